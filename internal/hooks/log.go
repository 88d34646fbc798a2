package hooks

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// logLoader provides the log module: debug/info/warn/error with an optional
// fields table, emitted through the process logger tagged source=lua.
func logLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(emitAt(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(emitAt(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(emitAt(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(emitAt(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

func emitAt(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		event := log.WithLevel(level).Str("source", "lua")
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			tbl.ForEach(func(key, value lua.LValue) {
				event = event.Interface(lua.LVAsString(key), luaToGo(value))
			})
		}
		event.Msg(msg)

		return 0
	}
}
