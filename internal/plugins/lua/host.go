package lua

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/dalnet/dunamis/internal/plugin"
)

// hostTable is the global through which scripts reach the bot
const hostTable = "dunamis"

// registerHost installs the host functions bound to pctx. Functions that can
// fail return nil plus an error message, Lua style.
func registerHost(L *lua.LState, pctx *plugin.Context) {
	h := &host{pctx: pctx}
	mod := L.NewTable()
	L.SetField(mod, "say", L.NewFunction(h.say))
	L.SetField(mod, "notice", L.NewFunction(h.notice))
	L.SetField(mod, "send", L.NewFunction(h.send))
	L.SetField(mod, "nick", L.NewFunction(h.nick))
	L.SetField(mod, "log", L.NewFunction(h.log))
	L.SetField(mod, "get", L.NewFunction(h.get))
	L.SetField(mod, "put", L.NewFunction(h.put))
	L.SetField(mod, "new_id", L.NewFunction(newID))
	L.SetGlobal(hostTable, mod)
}

type host struct {
	pctx *plugin.Context
}

func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *host) say(L *lua.LState) int {
	target, text := L.CheckString(1), L.CheckString(2)
	if h.pctx.Sender == nil {
		return pushResult(L, nil)
	}
	return pushResult(L, h.pctx.Sender.Privmsg(target, text))
}

func (h *host) notice(L *lua.LState) int {
	target, text := L.CheckString(1), L.CheckString(2)
	if h.pctx.Sender == nil {
		return pushResult(L, nil)
	}
	return pushResult(L, h.pctx.Sender.Notice(target, text))
}

func (h *host) send(L *lua.LState) int {
	command := L.CheckString(1)
	params := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		params = append(params, L.CheckString(i))
	}
	if h.pctx.Sender == nil {
		return pushResult(L, nil)
	}
	return pushResult(L, h.pctx.Sender.Send(command, params...))
}

func (h *host) nick(L *lua.LState) int {
	if h.pctx.Sender == nil {
		L.Push(lua.LString(""))
		return 1
	}
	L.Push(lua.LString(h.pctx.Sender.Nick()))
	return 1
}

func (h *host) log(L *lua.LState) int {
	level, message := L.CheckString(1), L.CheckString(2)
	logger := h.pctx.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := callContext(L)
	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}
	return 0
}

func (h *host) get(L *lua.LState) int {
	key := L.CheckString(1)
	if h.pctx.Store == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("no store available"))
		return 2
	}
	value, ok, err := h.pctx.Store.Get(callContext(L), key)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(value))
	return 1
}

func (h *host) put(L *lua.LState) int {
	key, value := L.CheckString(1), L.CheckString(2)
	if h.pctx.Store == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("no store available"))
		return 2
	}
	return pushResult(L, h.pctx.Store.Put(callContext(L), key, value))
}

func newID(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}
