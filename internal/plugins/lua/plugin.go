// Package lua runs plugins written in Lua. Each script gets one sandboxed
// state for its lifetime; hooks run one at a time on that state.
package lua

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
)

// callTimeout bounds one hook call
var callTimeout = 5 * time.Second

var errNoCommandHandler = errors.New("script declares commands but defines no on_command")

type Plugin struct {
	script *Script

	// callMu serializes calls into L; mu guards the fields below
	callMu sync.Mutex
	mu     sync.Mutex
	L      *lua.LState
}

func New(s *Script) *Plugin {
	return &Plugin{script: s}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	desc := p.script.Descriptor
	desc.Events = append([]event.Kind(nil), desc.Events...)
	desc.Commands = make([]plugin.CommandSpec, len(p.script.commands))
	for i, spec := range p.script.commands {
		spec.Handler = p.command
		desc.Commands[i] = spec
	}
	return desc
}

func (p *Plugin) Init(ctx context.Context, pctx *plugin.Context) error {
	L, err := newState(safeLibraries)
	if err != nil {
		return oops.Code("LUA_STATE").With("plugin", p.script.Descriptor.Name).Wrap(err)
	}
	registerHost(L, pctx)
	if err := p.run(ctx, L, "load", func() error { return L.DoString(p.script.Code) }); err != nil {
		L.Close()
		return err
	}

	if fn := L.GetGlobal("on_load"); fn.Type() == lua.LTFunction {
		if err := p.call(ctx, L, "on_load", fn); err != nil {
			L.Close()
			return err
		}
	}

	p.mu.Lock()
	p.L = L
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Teardown(ctx context.Context) error {
	p.mu.Lock()
	L := p.L
	p.L = nil
	p.mu.Unlock()
	if L == nil {
		return nil
	}

	err := p.run(ctx, L, "on_unload", func() error {
		fn := L.GetGlobal("on_unload")
		if fn.Type() != lua.LTFunction {
			return nil
		}
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	})
	p.callMu.Lock()
	L.Close()
	p.callMu.Unlock()
	return err
}

func (p *Plugin) HandleEvent(ctx context.Context, _ *plugin.Context, ev event.Event) error {
	L := p.state()
	if L == nil {
		return nil
	}
	return p.run(ctx, L, "on_event", func() error {
		fn := L.GetGlobal("on_event")
		if fn.Type() != lua.LTFunction {
			return nil
		}
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, ev))
	})
}

// command runs on_command(inv); a returned string is sent as the reply
func (p *Plugin) command(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	L := p.state()
	if L == nil {
		return nil
	}

	var reply string
	err := p.run(ctx, L, "on_command", func() error {
		fn := L.GetGlobal("on_command")
		if fn.Type() != lua.LTFunction {
			return errNoCommandHandler
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, invocationTable(L, inv)); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)
		if s, ok := ret.(lua.LString); ok {
			reply = string(s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if reply != "" {
		return pctx.Reply(inv, reply)
	}
	return nil
}

func (p *Plugin) state() *lua.LState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.L
}

func (p *Plugin) call(ctx context.Context, L *lua.LState, hook string, fn lua.LValue, args ...lua.LValue) error {
	return p.run(ctx, L, hook, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	})
}

// run executes fn on L with the call timeout installed as L's context. Calls
// into one state are serialized.
func (p *Plugin) run(ctx context.Context, L *lua.LState, hook string, fn func() error) error {
	p.callMu.Lock()
	defer p.callMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := fn(); err != nil {
		return callError(ctx, p.script.Descriptor.Name, hook, err)
	}
	return nil
}

func eventTable(L *lua.LState, ev event.Event) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(ev.ID.String()))
	L.SetField(t, "kind", lua.LString(ev.Kind))
	L.SetField(t, "source", lua.LString(ev.Source))
	L.SetField(t, "nick", lua.LString(ev.Nick))
	L.SetField(t, "channel", lua.LString(ev.Channel))
	L.SetField(t, "target", lua.LString(ev.Target))
	L.SetField(t, "text", lua.LString(ev.Text))
	L.SetField(t, "new_nick", lua.LString(ev.NewNick))
	L.SetField(t, "reason", lua.LString(ev.Reason))
	if ev.Message != nil {
		L.SetField(t, "command", lua.LString(ev.Message.Command))
		params := L.NewTable()
		for _, param := range ev.Message.AllParams() {
			params.Append(lua.LString(param))
		}
		L.SetField(t, "params", params)
	}
	return t
}

func invocationTable(L *lua.LState, inv *plugin.Invocation) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "name", lua.LString(inv.Name))
	L.SetField(t, "nick", lua.LString(inv.Nick))
	L.SetField(t, "identity", lua.LString(inv.Identity))
	L.SetField(t, "target", lua.LString(inv.Target))
	L.SetField(t, "reply_to", lua.LString(inv.ReplyTo()))
	L.SetField(t, "private", lua.LBool(inv.Private))
	L.SetField(t, "args", lua.LString(inv.Args))
	L.SetField(t, "level", lua.LNumber(inv.Level))
	slots := L.NewTable()
	for _, s := range inv.Slots {
		slots.Append(lua.LString(s))
	}
	L.SetField(t, "slots", slots)
	return t
}
