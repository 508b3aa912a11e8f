package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	glua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/homeed/internal/db"
	"github.com/dokzlo13/homeed/internal/homee"
	"github.com/dokzlo13/homeed/internal/ledger"
)

type fakeClient struct {
	bus    *homee.Bus
	mirror *homee.Mirror
	err    error

	mu    sync.Mutex
	calls []string
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	bus := homee.NewBus(1, 64)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Close(ctx)
	})
	return &fakeClient{bus: bus, mirror: homee.NewMirror()}
}

func (f *fakeClient) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeClient) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) Bus() *homee.Bus       { return f.bus }
func (f *fakeClient) Mirror() *homee.Mirror { return f.mirror }
func (f *fakeClient) State() homee.State    { return homee.StateIdle }

func (f *fakeClient) Send(_ context.Context, msg string) error {
	return f.record("send %s", msg)
}

func (f *fakeClient) SetValue(_ context.Context, nodeID, attributeID int, value float64) error {
	return f.record("set_value %d %d %v", nodeID, attributeID, value)
}

func (f *fakeClient) CreateGroup(_ context.Context, name, image string) error {
	return f.record("create_group %q %q", name, image)
}

func (f *fakeClient) DeleteGroup(_ context.Context, id int) error {
	return f.record("delete_group %d", id)
}

func (f *fakeClient) Play(_ context.Context, id int) error {
	return f.record("play %d", id)
}

func (f *fakeClient) ActivateHomeegram(_ context.Context, id int) error {
	return f.record("activate %d", id)
}

func (f *fakeClient) DeactivateHomeegram(_ context.Context, id int) error {
	return f.record("deactivate %d", id)
}

func (f *fakeClient) History(_ context.Context, kind homee.HistoryKind, id int, w homee.Window) error {
	return f.record("history %s %d %d %d %d", kind, id, w.From.Unix(), w.Till.Unix(), w.Limit)
}

func (f *fakeClient) Diary(_ context.Context, w homee.Window) error {
	return f.record("diary %v %v %d", w.From.IsZero(), w.Till.IsZero(), w.Limit)
}

func newTestRuntime(t *testing.T, client *fakeClient, script string) (*Runtime, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	r := NewRuntime(RuntimeDeps{Script: path, Client: client})
	t.Cleanup(r.Close)
	return r, r.LoadScript(path)
}

func TestHomeeModuleCommands(t *testing.T) {
	client := newFakeClient(t)
	r, err := newTestRuntime(t, client, `
local homee = require("homee")
set_ok = homee.set_value(1, 2, 21.5)
bad_ok, bad_err = homee.set_value(1, 2, "hot")
frac_ok, frac_err = homee.set_value(1.5, 2, 1)
homee.play(4)
homee.activate(5)
homee.deactivate(6)
homee.create_group("Living Room")
homee.delete_group(7)
homee.history("attribute", 5, {from = 100, till = 200, limit = 3})
homee.diary()
homee.send("GET:nodes")
state = homee.state()
`)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"set_value 1 2 21.5",
		"play 4",
		"activate 5",
		"deactivate 6",
		`create_group "Living Room" ""`,
		"delete_group 7",
		"history attribute 5 100 200 3",
		"diary true true 0",
		"send GET:nodes",
	}, client.recorded())

	assert.Equal(t, glua.LTrue, r.L.GetGlobal("set_ok"))
	assert.Equal(t, glua.LNil, r.L.GetGlobal("bad_ok"))
	assert.Equal(t, "value must be a number", glua.LVAsString(r.L.GetGlobal("bad_err")))
	assert.Equal(t, "node_id must be an integer", glua.LVAsString(r.L.GetGlobal("frac_err")))
	assert.Equal(t, "idle", glua.LVAsString(r.L.GetGlobal("state")))
}

func TestHomeeModuleReturnsClientErrors(t *testing.T) {
	client := newFakeClient(t)
	client.err = homee.ErrNotConnected

	r, err := newTestRuntime(t, client, `
ok, err = require("homee").send("GET:all")
`)
	require.NoError(t, err)

	assert.Equal(t, glua.LNil, r.L.GetGlobal("ok"))
	assert.Equal(t, "homee: not connected", glua.LVAsString(r.L.GetGlobal("err")))
}

func TestHomeeModuleRejectsUnknownEvent(t *testing.T) {
	_, err := newTestRuntime(t, newFakeClient(t), `
require("homee").on("bogus", function() end)
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bogus" is unknown`)
}

func TestHomeeModuleMirrorQueries(t *testing.T) {
	client := newFakeClient(t)
	client.mirror.ReplaceAll(homee.Snapshot{
		Nodes: []homee.Node{
			{ID: 1, Name: "lamp", Attributes: []homee.Attribute{{ID: 9, NodeID: 1, CurrentValue: 1}}},
			{ID: 2, Name: "heater"},
		},
		Groups:        []homee.Group{{ID: 3, Name: "Bath"}},
		Relationships: []homee.Relationship{{ID: 4, GroupID: 3, NodeID: 2}},
	})

	r, err := newTestRuntime(t, client, `
local homee = require("homee")
count = #homee.nodes()
lamp = homee.node(1).name
missing = homee.node(99)
attr_value = homee.attribute(9).current_value
bath = homee.nodes_by_group("Bath")[1].id
by_id = homee.nodes_by_group(3)[1].id
`)
	require.NoError(t, err)

	assert.Equal(t, glua.LNumber(2), r.L.GetGlobal("count"))
	assert.Equal(t, "lamp", glua.LVAsString(r.L.GetGlobal("lamp")))
	assert.Equal(t, glua.LNil, r.L.GetGlobal("missing"))
	assert.Equal(t, glua.LNumber(1), r.L.GetGlobal("attr_value"))
	assert.Equal(t, glua.LNumber(2), r.L.GetGlobal("bath"))
	assert.Equal(t, glua.LNumber(2), r.L.GetGlobal("by_id"))
}

func TestHomeeModuleHandlers(t *testing.T) {
	client := newFakeClient(t)
	r, err := newTestRuntime(t, client, `
local homee = require("homee")
local log = require("log")
seen = {}
homee.on("attribute", function(e)
  table.insert(seen, e.attribute.current_value)
  last_node = e.node and e.node.name
end)
homee.on("connected", function(e)
  log.info("connected", {session = e.session_id})
  session = e.session_id
end)
`)
	require.NoError(t, err)

	module := r.HomeeModule()
	assert.Equal(t, 1, module.HandlerCount(homee.EventAttribute))
	assert.Equal(t, 1, module.HandlerCount(homee.EventConnected))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	module.RegisterHandlers(ctx)
	go r.Run(ctx)

	client.bus.Publish(homee.AttributeEvent{
		Attribute: homee.Attribute{ID: 5, NodeID: 2, CurrentValue: 21},
		Node:      &homee.Node{ID: 2, Name: "heater"},
	})
	client.bus.Publish(homee.ConnectedEvent{SessionID: "abc"})

	read := func() (seen int, node, session string) {
		onWorker(t, r, func() {
			if tbl, ok := r.L.GetGlobal("seen").(*glua.LTable); ok {
				seen = tbl.Len()
			}
			node = glua.LVAsString(r.L.GetGlobal("last_node"))
			session = glua.LVAsString(r.L.GetGlobal("session"))
		})
		return
	}

	require.Eventually(t, func() bool {
		seen, node, session := read()
		return seen == 1 && node == "heater" && session == "abc"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHomeeModuleOnAfterRegistration(t *testing.T) {
	client := newFakeClient(t)
	r, err := newTestRuntime(t, client, `homee = require("homee")`)
	require.NoError(t, err)

	r.HomeeModule().RegisterHandlers(context.Background())

	err = r.L.DoString(`homee.on("node", function() end)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be called while the script loads")
}

// onWorker runs fn on the Lua worker and waits until it finished.
func onWorker(t *testing.T, r *Runtime, fn func()) bool {
	t.Helper()
	done := make(chan struct{})
	if !r.Do(context.Background(), func(context.Context) {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(time.Second):
		return false
	}
}

func TestRuntimeSurvivesPanickingWork(t *testing.T) {
	r := NewRuntime(RuntimeDeps{})
	t.Cleanup(r.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	assert.True(t, r.Do(ctx, func(context.Context) { panic("bad work") }))

	ran := false
	require.True(t, onWorker(t, r, func() { ran = true }))
	assert.True(t, ran)
}

func TestLedgerModule(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	journal := ledger.New(database.DB)
	require.NoError(t, journal.Append(ledger.EventConnected, "s1", nil))
	require.NoError(t, journal.Append(ledger.EventError, "s1", map[string]any{"error": "boom"}))
	require.NoError(t, journal.Append(ledger.EventError, "", map[string]any{"error": "later"}))

	path := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(path, []byte(`
local ledger = require("ledger")
local errs = ledger.by_type("error")
error_count = #errs
newest_error = errs[1].payload.error
local session = ledger.by_session("s1", 10)
first_type = session[1].type
session_count = #session
all_count = #ledger.between({from = 0})
limited = #ledger.between({limit = 1})
`), 0o644))

	r := NewRuntime(RuntimeDeps{Script: path, Ledger: journal})
	t.Cleanup(r.Close)
	require.NoError(t, r.LoadScript(path))

	assert.Equal(t, glua.LNumber(2), r.L.GetGlobal("error_count"))
	assert.Equal(t, "later", glua.LVAsString(r.L.GetGlobal("newest_error")))
	assert.Equal(t, "connected", glua.LVAsString(r.L.GetGlobal("first_type")))
	assert.Equal(t, glua.LNumber(2), r.L.GetGlobal("session_count"))
	assert.Equal(t, glua.LNumber(3), r.L.GetGlobal("all_count"))
	assert.Equal(t, glua.LNumber(1), r.L.GetGlobal("limited"))
}
