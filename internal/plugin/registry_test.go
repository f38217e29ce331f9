package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/storage"
)

// fakePlugin is configured per test through its fields
type fakePlugin struct {
	desc     Descriptor
	initErr  error
	initFn   func(ctx context.Context, pctx *Context) error
	handleFn func(ctx context.Context, pctx *Context, ev event.Event) error
	teardown func(ctx context.Context) error

	mu     sync.Mutex
	events []event.Kind
	downs  int
}

func (p *fakePlugin) Descriptor() Descriptor { return p.desc }

func (p *fakePlugin) Init(ctx context.Context, pctx *Context) error {
	if p.initFn != nil {
		return p.initFn(ctx, pctx)
	}
	return p.initErr
}

func (p *fakePlugin) Teardown(ctx context.Context) error {
	p.mu.Lock()
	p.downs++
	p.mu.Unlock()
	if p.teardown != nil {
		return p.teardown(ctx)
	}
	return nil
}

func (p *fakePlugin) HandleEvent(ctx context.Context, pctx *Context, ev event.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev.Kind)
	p.mu.Unlock()
	if p.handleFn != nil {
		return p.handleFn(ctx, pctx, ev)
	}
	return nil
}

func noop(context.Context, *Context, *Invocation) error { return nil }

func newFake(name string, kinds []event.Kind, commands ...string) *fakePlugin {
	desc := Descriptor{Name: name, Version: "1.0.0", Events: kinds}
	for _, c := range commands {
		desc.Commands = append(desc.Commands, CommandSpec{Name: c, Handler: noop})
	}
	return &fakePlugin{desc: desc}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oe, ok := oops.AsOops(err)
	require.True(t, ok, "expected an oops error, got %T", err)
	assert.Equal(t, code, oe.Code())
}

func TestLoadRegistersEventsAndCommands(t *testing.T) {
	r := NewRegistry(Context{})
	p := newFake("poll", []event.Kind{event.KindChannelMessage}, "poll", "vote")

	require.NoError(t, r.Load(context.Background(), p))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "poll", list[0].Name)
	assert.Equal(t, uint64(1), list[0].Generation)

	subs := r.Subscribers(event.KindChannelMessage)
	require.Len(t, subs, 1)
	assert.Equal(t, "poll", subs[0].Name)
	assert.Empty(t, r.Subscribers(event.KindJoin))

	cmd, ok := r.Lookup("VOTE")
	require.True(t, ok)
	assert.Equal(t, "poll", cmd.Plugin)
	assert.Equal(t, "vote", cmd.Spec.Name)

	names := []string{}
	for _, c := range r.Commands() {
		names = append(names, c.Spec.Name)
	}
	assert.Equal(t, []string{"poll", "vote"}, names)
}

func TestLoadDuplicate(t *testing.T) {
	r := NewRegistry(Context{})
	require.NoError(t, r.Load(context.Background(), newFake("stats", nil)))

	err := r.Load(context.Background(), newFake("Stats", nil))
	assert.ErrorIs(t, err, ErrDuplicatePlugin)
	assertCode(t, err, "DUPLICATE_PLUGIN")
	assert.Len(t, r.List(), 1)
}

func TestLoadFailureLeavesTablesUnchanged(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})
	require.NoError(t, r.Load(ctx, newFake("core", []event.Kind{event.KindJoin}, "help")))

	genBefore := r.Generation()
	entriesBefore := append([]*entry(nil), r.entries...)
	commandsBefore := len(r.commands)

	tests := []struct {
		name   string
		plugin *fakePlugin
		target error
		code   string
	}{
		{
			name: "init error",
			plugin: func() *fakePlugin {
				p := newFake("poll", []event.Kind{event.KindJoin}, "poll")
				p.initErr = errors.New("no database")
				return p
			}(),
			target: ErrInitializationFailed,
			code:   "INIT_FAILED",
		},
		{
			name: "init panic",
			plugin: func() *fakePlugin {
				p := newFake("poll", nil, "poll")
				p.initFn = func(context.Context, *Context) error { panic("boom") }
				return p
			}(),
			target: ErrInitializationFailed,
			code:   "INIT_FAILED",
		},
		{
			name:   "command conflict",
			plugin: newFake("other", nil, "poll", "HELP"),
			target: ErrCommandConflict,
			code:   "COMMAND_CONFLICT",
		},
		{
			name:   "bad version",
			plugin: &fakePlugin{desc: Descriptor{Name: "poll", Version: "one"}},
			target: ErrInvalidDescriptor,
			code:   "INVALID_DESCRIPTOR",
		},
		{
			name:   "bad name",
			plugin: &fakePlugin{desc: Descriptor{Name: "has space", Version: "1.0.0"}},
			target: ErrInvalidDescriptor,
			code:   "INVALID_DESCRIPTOR",
		},
		{
			name:   "command declared twice",
			plugin: newFake("poll", nil, "vote", "Vote"),
			target: ErrInvalidDescriptor,
			code:   "INVALID_DESCRIPTOR",
		},
		{
			name: "missing handler",
			plugin: &fakePlugin{desc: Descriptor{Name: "poll", Version: "1.0.0",
				Commands: []CommandSpec{{Name: "vote"}}}},
			target: ErrInvalidDescriptor,
			code:   "INVALID_DESCRIPTOR",
		},
		{
			name: "required beyond arity",
			plugin: &fakePlugin{desc: Descriptor{Name: "poll", Version: "1.0.0",
				Commands: []CommandSpec{{Name: "vote", Arity: 1, Required: 2, Handler: noop}}}},
			target: ErrInvalidDescriptor,
			code:   "INVALID_DESCRIPTOR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Load(ctx, tt.plugin)
			assert.ErrorIs(t, err, tt.target)
			assertCode(t, err, tt.code)

			assert.Equal(t, genBefore, r.Generation())
			assert.Equal(t, entriesBefore, r.entries)
			assert.Len(t, r.commands, commandsBefore)
			assert.Len(t, r.byName, 1)
			assert.Equal(t, 0, tt.plugin.downs, "teardown must not run for a plugin that never loaded")
		})
	}
}

func TestUnloadUnknown(t *testing.T) {
	r := NewRegistry(Context{})
	err := r.Unload(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	assertCode(t, err, "UNKNOWN_PLUGIN")
}

func TestUnloadRemovesEverything(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})
	p := newFake("poll", []event.Kind{event.KindChannelMessage}, "poll")
	require.NoError(t, r.Load(ctx, p))

	require.NoError(t, r.Unload(ctx, "POLL"))
	assert.Equal(t, 1, p.downs)
	assert.Empty(t, r.List())
	assert.Empty(t, r.Subscribers(event.KindChannelMessage))
	_, ok := r.Lookup("poll")
	assert.False(t, ok)
	assert.Equal(t, uint64(2), r.Generation())

	// the same name can be loaded again, and its commands come back
	require.NoError(t, r.Load(ctx, newFake("poll", nil, "poll")))
	_, ok = r.Lookup("poll")
	assert.True(t, ok)
}

func TestUnloadTeardownError(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})
	p := newFake("poll", nil)
	p.teardown = func(context.Context) error { return errors.New("flush failed") }
	require.NoError(t, r.Load(ctx, p))

	err := r.Unload(ctx, "poll")
	assertCode(t, err, "TEARDOWN_FAILED")
	assert.Empty(t, r.List())
}

func TestUnloadWaitsForInflightHandler(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	p := newFake("slow", []event.Kind{event.KindJoin})
	p.handleFn = func(context.Context, *Context, event.Event) error {
		close(entered)
		<-release
		mu.Lock()
		order = append(order, "handler done")
		mu.Unlock()
		return nil
	}
	p.teardown = func(context.Context) error {
		mu.Lock()
		order = append(order, "teardown")
		mu.Unlock()
		return nil
	}
	require.NoError(t, r.Load(ctx, p))

	subs := r.Subscribers(event.KindJoin)
	require.Len(t, subs, 1)

	handled := make(chan error, 1)
	go func() { handled <- subs[0].Handle(ctx, event.Event{Kind: event.KindJoin}) }()
	<-entered

	unloaded := make(chan error, 1)
	go func() { unloaded <- r.Unload(ctx, "slow") }()

	// unload is blocked behind the handler
	select {
	case <-unloaded:
		t.Fatal("unload returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-handled)
	require.NoError(t, <-unloaded)
	assert.Equal(t, []string{"handler done", "teardown"}, order)

	// a stale subscriber captured before unload is now inert
	require.NoError(t, subs[0].Handle(ctx, event.Event{Kind: event.KindJoin}))
	assert.Len(t, p.events, 1)
}

func TestSelfUnloadIsRejected(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})

	var unloadErr error
	p := newFake("fickle", []event.Kind{event.KindJoin})
	p.handleFn = func(ctx context.Context, pctx *Context, _ event.Event) error {
		unloadErr = pctx.Registry.Unload(ctx, "fickle")
		return nil
	}
	require.NoError(t, r.Load(ctx, p))

	subs := r.Subscribers(event.KindJoin)
	require.NoError(t, subs[0].Handle(ctx, event.Event{Kind: event.KindJoin}))

	assert.ErrorIs(t, unloadErr, ErrSelfUnload)
	assertCode(t, unloadErr, "SELF_UNLOAD")
	assert.Len(t, r.List(), 1)
}

func TestCommandMayUnloadAnotherPlugin(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})
	victim := newFake("poll", nil)
	require.NoError(t, r.Load(ctx, victim))

	admin := &fakePlugin{desc: Descriptor{Name: "core", Version: "1.0.0", Commands: []CommandSpec{{
		Name: "unload",
		Handler: func(ctx context.Context, pctx *Context, inv *Invocation) error {
			return pctx.Registry.Unload(ctx, inv.Args)
		},
	}}}}
	require.NoError(t, r.Load(ctx, admin))

	cmd, ok := r.Lookup("unload")
	require.True(t, ok)
	require.NoError(t, cmd.Invoke(ctx, &Invocation{Name: "unload", Args: "poll"}))
	assert.Equal(t, 1, victim.downs)
	assert.Len(t, r.List(), 1)
}

func TestSubscribersFollowLoadOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})
	greeter := newFake("greeter", []event.Kind{event.KindJoin})
	greeter.handleFn = func(context.Context, *Context, event.Event) error { return errors.New("greeter exploded") }
	stats := newFake("stats", []event.Kind{event.KindJoin, event.KindChannelMessage})
	require.NoError(t, r.Load(ctx, greeter))
	require.NoError(t, r.Load(ctx, stats))

	bus := event.NewBus(r)
	failures := bus.Deliver(ctx, event.Event{Kind: event.KindJoin, Nick: "bob", Channel: "#dunamis"})

	assert.Equal(t, 1, failures)
	assert.Equal(t, []event.Kind{event.KindJoin}, greeter.events)
	assert.Equal(t, []event.Kind{event.KindJoin}, stats.events)

	names := []string{}
	for _, s := range r.Subscribers(event.KindJoin) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"greeter", "stats"}, names)
}

func TestShutdownReverseOrder(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{})

	var order []string
	for _, name := range []string{"core", "stats", "poll"} {
		p := newFake(name, nil)
		p.teardown = func(context.Context) error {
			order = append(order, name)
			if name == "stats" {
				return errors.New("stats flush failed")
			}
			return nil
		}
		require.NoError(t, r.Load(ctx, p))
	}

	err := r.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats flush failed")
	assert.Equal(t, []string{"poll", "stats", "core"}, order)
	assert.Empty(t, r.List())
}

func TestLoadNamed(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Context{}, WithCatalog(map[string]Factory{
		"Stats": func() Plugin { return newFake("stats", nil, "stats") },
		"poll":  func() Plugin { return newFake("poll", nil, "poll") },
	}))

	assert.Equal(t, []string{"poll", "stats"}, r.Available())
	require.NoError(t, r.LoadNamed(ctx, "STATS"))
	_, ok := r.Lookup("stats")
	assert.True(t, ok)

	err := r.LoadNamed(ctx, "weather")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestPluginContextIsScoped(t *testing.T) {
	ctx := context.Background()
	base := storage.NewMemoryStore()
	r := NewRegistry(Context{Store: base})

	p := newFake("Stats", nil)
	p.initFn = func(ctx context.Context, pctx *Context) error {
		assert.Equal(t, "Stats", pctx.Name)
		assert.Same(t, r, pctx.Registry)
		return pctx.Store.Put(ctx, "#dunamis/alice", "3")
	}
	require.NoError(t, r.Load(ctx, p))

	v, ok, err := base.Get(ctx, "stats/#dunamis/alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestInvocationHelpers(t *testing.T) {
	inv := &Invocation{Nick: "alice", Target: "#dunamis", Slots: []string{"create", "lunch?"}}
	assert.Equal(t, "#dunamis", inv.ReplyTo())
	assert.Equal(t, "lunch?", inv.Slot(1))
	assert.Equal(t, "", inv.Slot(2))
	assert.Equal(t, "", inv.Slot(-1))

	inv.Private = true
	assert.Equal(t, "alice", inv.ReplyTo())
}
