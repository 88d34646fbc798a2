package hooks

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/NJLangley/stateful-scenes/internal/eventbus"
	"github.com/NJLangley/stateful-scenes/internal/scene"
)

// scenesModule binds the hub to Lua: commands, state queries and event
// handler registration.
type scenesModule struct {
	hub *scene.Hub
	bus *eventbus.Bus

	verdictHandlers []*lua.LFunction
	commandHandlers []*lua.LFunction
	learnedHandlers []*lua.LFunction
}

func newScenesModule(hub *scene.Hub, bus *eventbus.Bus) *scenesModule {
	return &scenesModule{hub: hub, bus: bus}
}

func (m *scenesModule) loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "activate", L.NewFunction(m.activate))
	L.SetField(mod, "deactivate", L.NewFunction(m.deactivate))
	L.SetField(mod, "learn", L.NewFunction(m.learn))
	L.SetField(mod, "is_on", L.NewFunction(m.isOn))
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "list", L.NewFunction(m.list))
	L.SetField(mod, "on_verdict", L.NewFunction(m.onVerdict))
	L.SetField(mod, "on_command", L.NewFunction(m.onCommand))
	L.SetField(mod, "on_learned", L.NewFunction(m.onLearned))

	L.Push(mod)
	return 1
}

// activate(scene_id) - Apply a scene
func (m *scenesModule) activate(L *lua.LState) int {
	id := L.CheckString(1)
	if err := m.hub.Activate(moduleContext(L), id); err != nil {
		L.RaiseError("activate %s: %s", id, err.Error())
		return 0
	}
	m.publishCommand(id, "activate")
	return 0
}

// deactivate(scene_id) - Turn a scene off per its restore policy
func (m *scenesModule) deactivate(L *lua.LState) int {
	id := L.CheckString(1)
	if err := m.hub.Deactivate(moduleContext(L), id); err != nil {
		L.RaiseError("deactivate %s: %s", id, err.Error())
		return 0
	}
	m.publishCommand(id, "deactivate")
	return 0
}

// learn(scene_id) - Capture a learn scene's targets from live state
func (m *scenesModule) learn(L *lua.LState) int {
	id := L.CheckString(1)
	if err := m.hub.LearnScene(moduleContext(L), id); err != nil {
		L.RaiseError("learn %s: %s", id, err.Error())
		return 0
	}
	m.publishCommand(id, "learn")
	return 0
}

// is_on(scene_id) - Current verdict, nil for unknown scenes
func (m *scenesModule) isOn(L *lua.LState) int {
	ctl, ok := m.hub.Controller(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LBool(ctl.IsOn()))
	return 1
}

// get(scene_id) - Scene details table, nil for unknown scenes
func (m *scenesModule) get(L *lua.LState) int {
	ctl, ok := m.hub.Controller(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(sceneTable(L, ctl))
	return 1
}

// list() - Array of scene detail tables in registration order
func (m *scenesModule) list(L *lua.LState) int {
	tbl := L.NewTable()
	for i, ctl := range m.hub.Controllers() {
		tbl.RawSetInt(i+1, sceneTable(L, ctl))
	}
	L.Push(tbl)
	return 1
}

func (m *scenesModule) onVerdict(L *lua.LState) int {
	m.verdictHandlers = append(m.verdictHandlers, L.CheckFunction(1))
	return 0
}

func (m *scenesModule) onCommand(L *lua.LState) int {
	m.commandHandlers = append(m.commandHandlers, L.CheckFunction(1))
	return 0
}

func (m *scenesModule) onLearned(L *lua.LState) int {
	m.learnedHandlers = append(m.learnedHandlers, L.CheckFunction(1))
	return 0
}

// dispatch calls each handler with the event table. A failing handler is
// logged and the rest still run.
func (m *scenesModule) dispatch(L *lua.LState, handlers []*lua.LFunction, data map[string]any) {
	if len(handlers) == 0 {
		return
	}
	for _, fn := range handlers {
		L.Push(fn)
		L.Push(mapToTable(L, data))
		if err := L.PCall(1, 0, nil); err != nil {
			log.Error().Err(err).Msg("Hook handler failed")
		}
	}
}

func (m *scenesModule) publishCommand(sceneID, action string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeSceneCommand,
		Data: map[string]interface{}{
			"scene_id": sceneID,
			"action":   action,
			"source":   "hooks",
		},
	})
}

func sceneTable(L *lua.LState, ctl *scene.Controller) *lua.LTable {
	sp := ctl.Spec()
	tbl := L.NewTable()
	L.SetField(tbl, "id", lua.LString(ctl.ID()))
	L.SetField(tbl, "name", lua.LString(sp.Name))
	L.SetField(tbl, "entity_id", lua.LString(sp.EntityID))
	L.SetField(tbl, "on", lua.LBool(ctl.IsOn()))
	L.SetField(tbl, "activation", lua.LString(ctl.Activation().String()))
	L.SetField(tbl, "learn", lua.LBool(sp.Learn))
	L.SetField(tbl, "learned", lua.LBool(ctl.Learned()))
	L.SetField(tbl, "entities", goToLua(L, sp.EntityIDs()))
	return tbl
}

// moduleContext returns the Go context the runtime set on the LState, which
// may be absent during script load.
func moduleContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
