package modules

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/homeed/internal/ledger"
)

const defaultLedgerLimit = 100

// LedgerReader is the read side of the event journal exposed to scripts.
type LedgerReader interface {
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
	GetBySession(sessionID string, limit int) ([]*ledger.Entry, error)
	GetByTimeRange(start, end time.Time, limit int) ([]*ledger.Entry, error)
}

// LedgerModule provides read access to the connection journal.
type LedgerModule struct {
	reader LedgerReader
}

// NewLedgerModule creates a new ledger module
func NewLedgerModule(reader LedgerReader) *LedgerModule {
	return &LedgerModule{reader: reader}
}

// Loader is the module loader for Lua
func (m *LedgerModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "by_type", L.NewFunction(m.byType))
	L.SetField(mod, "by_session", L.NewFunction(m.bySession))
	L.SetField(mod, "between", L.NewFunction(m.between))

	L.Push(mod)
	return 1
}

// by_type(type, limit?) - Newest entries of one type, e.g. "error"
func (m *LedgerModule) byType(L *lua.LState) int {
	eventType := ledger.EventType(L.CheckString(1))
	limit := L.OptInt(2, defaultLedgerLimit)
	entries, err := m.reader.GetByType(eventType, limit)
	return pushEntries(L, entries, err)
}

// by_session(session_id, limit?) - Entries of one socket session, oldest first
func (m *LedgerModule) bySession(L *lua.LState) int {
	sessionID := L.CheckString(1)
	limit := L.OptInt(2, defaultLedgerLimit)
	entries, err := m.reader.GetBySession(sessionID, limit)
	return pushEntries(L, entries, err)
}

// between({from=, till=, limit=}) - Entries in a time window, newest first
func (m *LedgerModule) between(L *lua.LState) int {
	w, err := window(L, 1)
	if err != nil {
		return pushResult(L, err)
	}
	if w.Till.IsZero() {
		w.Till = time.Now()
	}
	if w.Limit <= 0 {
		w.Limit = defaultLedgerLimit
	}
	entries, err := m.reader.GetByTimeRange(w.From, w.Till, w.Limit)
	return pushEntries(L, entries, err)
}

func pushEntries(L *lua.LState, entries []*ledger.Entry, err error) int {
	if err != nil {
		return pushResult(L, err)
	}

	list := L.NewTable()
	for _, e := range entries {
		tbl := L.NewTable()
		tbl.RawSetString("id", lua.LNumber(e.ID))
		tbl.RawSetString("type", lua.LString(e.EventType))
		tbl.RawSetString("time", lua.LNumber(e.Timestamp.Unix()))
		if e.SessionID != "" {
			tbl.RawSetString("session_id", lua.LString(e.SessionID))
		}
		if e.Payload != nil {
			tbl.RawSetString("payload", MapToLuaTable(L, e.Payload))
		}
		list.Append(tbl)
	}
	L.Push(list)
	return 1
}
