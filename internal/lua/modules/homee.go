package modules

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/homeed/internal/homee"
	"github.com/dokzlo13/homeed/internal/lua/exec"
)

// HomeeClient is the part of *homee.Client exposed to scripts.
type HomeeClient interface {
	Bus() *homee.Bus
	Mirror() *homee.Mirror
	State() homee.State
	Send(ctx context.Context, msg string) error
	SetValue(ctx context.Context, nodeID, attributeID int, value float64) error
	CreateGroup(ctx context.Context, name, image string) error
	DeleteGroup(ctx context.Context, id int) error
	Play(ctx context.Context, homeegramID int) error
	ActivateHomeegram(ctx context.Context, homeegramID int) error
	DeactivateHomeegram(ctx context.Context, homeegramID int) error
	History(ctx context.Context, kind homee.HistoryKind, id int, w homee.Window) error
	Diary(ctx context.Context, w homee.Window) error
}

// HomeeModule provides the homee Lua module: event handlers, commands and
// read access to the mirror.
type HomeeModule struct {
	client     HomeeClient
	exec       exec.Executor
	handlers   map[homee.EventType][]*lua.LFunction
	registered bool
}

// NewHomeeModule creates a new homee module
func NewHomeeModule(client HomeeClient, executor exec.Executor) *HomeeModule {
	return &HomeeModule{
		client:   client,
		exec:     executor,
		handlers: make(map[homee.EventType][]*lua.LFunction),
	}
}

// Loader is the module loader for Lua
func (m *HomeeModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "on", L.NewFunction(m.on))
	L.SetField(mod, "state", L.NewFunction(m.state))

	L.SetField(mod, "send", L.NewFunction(m.send))
	L.SetField(mod, "set_value", L.NewFunction(m.setValue))
	L.SetField(mod, "play", L.NewFunction(m.homeegram(m.client.Play)))
	L.SetField(mod, "activate", L.NewFunction(m.homeegram(m.client.ActivateHomeegram)))
	L.SetField(mod, "deactivate", L.NewFunction(m.homeegram(m.client.DeactivateHomeegram)))
	L.SetField(mod, "create_group", L.NewFunction(m.createGroup))
	L.SetField(mod, "delete_group", L.NewFunction(m.deleteGroup))
	L.SetField(mod, "history", L.NewFunction(m.history))
	L.SetField(mod, "diary", L.NewFunction(m.diary))

	L.SetField(mod, "nodes", L.NewFunction(m.nodes))
	L.SetField(mod, "node", L.NewFunction(m.node))
	L.SetField(mod, "attribute", L.NewFunction(m.attribute))
	L.SetField(mod, "nodes_by_group", L.NewFunction(m.nodesByGroup))

	L.Push(mod)
	return 1
}

// on(event, fn) - Register a handler for a client event, e.g. "attribute"
func (m *HomeeModule) on(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	t, err := homee.ParseEventType(name)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if m.registered {
		L.RaiseError("homee.on(%q) must be called while the script loads", name)
		return 0
	}

	m.handlers[t] = append(m.handlers[t], fn)
	log.Debug().Str("event", name).Msg("Registered homee handler")
	return 0
}

// RegisterHandlers subscribes every event type a script registered a handler
// for. Handlers run on the Lua worker, one event at a time.
func (m *HomeeModule) RegisterHandlers(ctx context.Context) {
	m.registered = true

	bus := m.client.Bus()
	for t := range m.handlers {
		t := t
		bus.Subscribe(t, func(e homee.Event) {
			m.exec.Do(ctx, func(context.Context) {
				L := m.exec.LState()
				arg := eventTable(L, e)
				for _, fn := range m.handlers[t] {
					exec.CallHandler(L, fn, arg)
				}
			})
		})
	}

	log.Info().Int("events", len(m.handlers)).Msg("Homee handlers registered")
}

// HandlerCount returns the number of handlers registered for t.
func (m *HomeeModule) HandlerCount(t homee.EventType) int {
	return len(m.handlers[t])
}

// state() - Current connection state name
func (m *HomeeModule) state(L *lua.LState) int {
	L.Push(lua.LString(m.client.State().String()))
	return 1
}

// send(raw) - Send a raw command such as "GET:nodes"
func (m *HomeeModule) send(L *lua.LState) int {
	msg := L.CheckString(1)
	return pushResult(L, m.client.Send(luaContext(L), msg))
}

// set_value(node_id, attribute_id, value)
func (m *HomeeModule) setValue(L *lua.LState) int {
	nodeID, err := homee.ID("node_id", LuaToGo(L.Get(1)))
	if err != nil {
		return pushResult(L, err)
	}
	attributeID, err := homee.ID("attribute_id", LuaToGo(L.Get(2)))
	if err != nil {
		return pushResult(L, err)
	}
	value, err := homee.Number("value", LuaToGo(L.Get(3)))
	if err != nil {
		return pushResult(L, err)
	}
	return pushResult(L, m.client.SetValue(luaContext(L), nodeID, attributeID, value))
}

// homeegram wraps play/activate/deactivate(homeegram_id)
func (m *HomeeModule) homeegram(fn func(context.Context, int) error) lua.LGFunction {
	return func(L *lua.LState) int {
		id, err := homee.ID("homeegram_id", LuaToGo(L.Get(1)))
		if err != nil {
			return pushResult(L, err)
		}
		return pushResult(L, fn(luaContext(L), id))
	}
}

// create_group(name, image?)
func (m *HomeeModule) createGroup(L *lua.LState) int {
	name := L.CheckString(1)
	image := L.OptString(2, "")
	return pushResult(L, m.client.CreateGroup(luaContext(L), name, image))
}

// delete_group(group_id)
func (m *HomeeModule) deleteGroup(L *lua.LState) int {
	id, err := homee.ID("group_id", LuaToGo(L.Get(1)))
	if err != nil {
		return pushResult(L, err)
	}
	return pushResult(L, m.client.DeleteGroup(luaContext(L), id))
}

// history(kind, id, {from=, till=, limit=}) - The answer arrives as a "history" event
func (m *HomeeModule) history(L *lua.LState) int {
	kind := homee.HistoryKind(L.CheckString(1))
	id, err := homee.ID("id", LuaToGo(L.Get(2)))
	if err != nil {
		return pushResult(L, err)
	}
	w, err := window(L, 3)
	if err != nil {
		return pushResult(L, err)
	}
	return pushResult(L, m.client.History(luaContext(L), kind, id, w))
}

// diary({from=, till=, limit=})
func (m *HomeeModule) diary(L *lua.LState) int {
	w, err := window(L, 1)
	if err != nil {
		return pushResult(L, err)
	}
	return pushResult(L, m.client.Diary(luaContext(L), w))
}

// nodes() - All nodes in the mirror
func (m *HomeeModule) nodes(L *lua.LState) int {
	L.Push(JSONToLua(L, m.client.Mirror().Nodes()))
	return 1
}

// node(id) - A node or nil
func (m *HomeeModule) node(L *lua.LState) int {
	id := L.CheckInt(1)
	if n, ok := m.client.Mirror().Node(id); ok {
		L.Push(JSONToLua(L, n))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// attribute(id) - An attribute or nil
func (m *HomeeModule) attribute(L *lua.LState) int {
	id := L.CheckInt(1)
	if a, ok := m.client.Mirror().Attribute(id); ok {
		L.Push(JSONToLua(L, a))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

// nodes_by_group(id_or_name)
func (m *HomeeModule) nodesByGroup(L *lua.LState) int {
	var (
		nodes []homee.Node
		err   error
	)
	switch v := L.Get(1).(type) {
	case lua.LNumber:
		nodes, err = m.client.Mirror().NodesByGroup(int(v))
	case lua.LString:
		nodes, err = m.client.Mirror().NodesByGroupName(string(v))
	default:
		L.ArgError(1, "group id or name expected")
		return 0
	}
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(JSONToLua(L, nodes))
	return 1
}

// pushResult pushes true on success, or nil and the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func window(L *lua.LState, idx int) (homee.Window, error) {
	var w homee.Window
	tbl, ok := L.Get(idx).(*lua.LTable)
	if !ok {
		return w, nil
	}

	if v := tbl.RawGetString("from"); v != lua.LNil {
		from, err := homee.ID("from", LuaToGo(v))
		if err != nil {
			return w, err
		}
		w.From = time.Unix(int64(from), 0)
	}
	if v := tbl.RawGetString("till"); v != lua.LNil {
		till, err := homee.ID("till", LuaToGo(v))
		if err != nil {
			return w, err
		}
		w.Till = time.Unix(int64(till), 0)
	}
	if v := tbl.RawGetString("limit"); v != lua.LNil {
		limit, err := homee.ID("limit", LuaToGo(v))
		if err != nil {
			return w, err
		}
		w.Limit = limit
	}
	return w, nil
}

// luaContext returns the context of the running work item. Scripts executing
// at load time have none.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// eventTable flattens a client event into a Lua table with a "type" field.
func eventTable(L *lua.LState, e homee.Event) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(e.Type()))

	switch ev := e.(type) {
	case homee.ConnectedEvent:
		tbl.RawSetString("session_id", lua.LString(ev.SessionID))
	case homee.DisconnectedEvent:
		tbl.RawSetString("reason", lua.LString(ev.Reason))
	case homee.ReconnectEvent:
		tbl.RawSetString("attempt", lua.LNumber(ev.Attempt))
	case homee.MaxRetriesEvent:
		tbl.RawSetString("max", lua.LNumber(ev.Max))
	case homee.ErrorEvent:
		tbl.RawSetString("error", lua.LString(ev.Err.Error()))
		var verr *homee.ValidationError
		tbl.RawSetString("validation", lua.LBool(errors.As(ev.Err, &verr)))
	case homee.MessageEvent:
		tbl.RawSetString("kind", lua.LString(ev.Kind))
		tbl.RawSetString("message", JSONToLua(L, ev.Message))
	case homee.HistoryEvent:
		tbl.RawSetString("kind", lua.LString(ev.Kind))
		tbl.RawSetString("data", JSONToLua(L, ev.Payload))
	case homee.OtherEvent:
		tbl.RawSetString("kind", lua.LString(ev.Kind))
		tbl.RawSetString("data", JSONToLua(L, ev.Payload))
	case homee.AllEvent:
		tbl.RawSetString("snapshot", JSONToLua(L, ev.Snapshot))
	case homee.NodeEvent:
		tbl.RawSetString("node", JSONToLua(L, ev.Node))
	case homee.NodesEvent:
		tbl.RawSetString("nodes", JSONToLua(L, ev.Nodes))
	case homee.GroupEvent:
		tbl.RawSetString("group", JSONToLua(L, ev.Group))
	case homee.GroupsEvent:
		tbl.RawSetString("groups", JSONToLua(L, ev.Groups))
	case homee.RelationshipEvent:
		tbl.RawSetString("relationship", JSONToLua(L, ev.Relationship))
	case homee.RelationshipsEvent:
		tbl.RawSetString("relationships", JSONToLua(L, ev.Relationships))
	case homee.PlanEvent:
		tbl.RawSetString("plan", JSONToLua(L, ev.Plan))
	case homee.PlansEvent:
		tbl.RawSetString("plans", JSONToLua(L, ev.Plans))
	case homee.HomeegramEvent:
		tbl.RawSetString("homeegram", JSONToLua(L, ev.Homeegram))
	case homee.HomeegramsEvent:
		tbl.RawSetString("homeegrams", JSONToLua(L, ev.Homeegrams))
	case homee.AttributeEvent:
		tbl.RawSetString("attribute", JSONToLua(L, ev.Attribute))
		if ev.Node != nil {
			tbl.RawSetString("node", JSONToLua(L, *ev.Node))
		}
	}
	return tbl
}
