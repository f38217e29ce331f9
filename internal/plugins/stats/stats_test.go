package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/storage"
)

type fakeSender struct {
	mu    sync.Mutex
	lines []string
}

func (s *fakeSender) Privmsg(target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, fmt.Sprintf("PRIVMSG %s :%s", target, text))
	return nil
}
func (s *fakeSender) Notice(string, string) error  { return nil }
func (s *fakeSender) Send(string, ...string) error { return nil }
func (s *fakeSender) Join(string, string) error    { return nil }
func (s *fakeSender) Part(string, string) error    { return nil }
func (s *fakeSender) SetNick(string) error         { return nil }
func (s *fakeSender) Nick() string                 { return "Dunamis" }

func (s *fakeSender) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.lines
	s.lines = nil
	return out
}

type fixture struct {
	plugin *Plugin
	reg    *plugin.Registry
	bus    *event.Bus
	store  *storage.MemoryStore
	sender *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), sender: &fakeSender{}}
	f.reg = plugin.NewRegistry(plugin.Context{Sender: f.sender, Store: f.store})
	f.bus = event.NewBus(f.reg)
	f.plugin = New()
	require.NoError(t, f.reg.Load(context.Background(), f.plugin))
	t.Cleanup(func() { f.reg.Shutdown(context.Background()) })
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.plugin.Flush(context.Background()))
}

func (f *fixture) say(t *testing.T, channel, nick, text string) {
	t.Helper()
	failures := f.bus.Deliver(context.Background(), event.Event{
		Kind:   event.KindChannelMessage,
		Source: nick + "!u@host",
		Nick:   nick,
		Target: channel,
		Text:   text,
	})
	require.Zero(t, failures)
}

func (f *fixture) run(t *testing.T, name string, inv *plugin.Invocation) {
	t.Helper()
	cmd, ok := f.reg.Lookup(name)
	require.True(t, ok)
	if inv.Nick == "" {
		inv.Nick = "alice"
	}
	if inv.Target == "" {
		inv.Target = "#dunamis"
	}
	require.NoError(t, cmd.Invoke(context.Background(), inv))
}

func TestCountsPerChannelAndNick(t *testing.T) {
	f := newFixture(t)
	f.say(t, "#dunamis", "alice", "hi")
	f.say(t, "#Dunamis", "Alice", "hello again")
	f.say(t, "#dunamis", "bob", "\x01ACTION waves\x01")
	f.say(t, "#dunamis", "bob", "\x01VERSION\x01")
	f.say(t, "#other", "alice", "elsewhere")
	f.flush(t)

	got, ok, err := f.store.Get(context.Background(), "stats/#dunamis/alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", got)

	got, _, _ = f.store.Get(context.Background(), "stats/#dunamis/bob")
	assert.Equal(t, "1", got)
	got, _, _ = f.store.Get(context.Background(), "stats/#other/alice")
	assert.Equal(t, "1", got)
}

func TestStatsCommand(t *testing.T) {
	f := newFixture(t)
	f.say(t, "#dunamis", "alice", "one")
	f.say(t, "#dunamis", "bob", "one")
	f.say(t, "#dunamis", "bob", "two")

	f.run(t, "stats", &plugin.Invocation{})
	f.run(t, "stats", &plugin.Invocation{Slots: []string{"BOB"}})
	f.run(t, "stats", &plugin.Invocation{Slots: []string{"carol"}})
	f.run(t, "stats", &plugin.Invocation{Private: true})

	assert.Equal(t, []string{
		"PRIVMSG #dunamis :alice: alice has said 1 line in #dunamis",
		"PRIVMSG #dunamis :alice: BOB has said 2 lines in #dunamis",
		"PRIVMSG #dunamis :alice: carol has not said anything in #dunamis yet",
		"PRIVMSG alice :Stats are kept per channel, ask in one",
	}, f.sender.take())
}

func TestTopCommand(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.say(t, "#dunamis", "carol", "x")
	}
	for i := 0; i < 2; i++ {
		f.say(t, "#dunamis", "bob", "x")
	}
	f.say(t, "#dunamis", "alice", "x")
	f.say(t, "#other", "dave", "x")

	f.run(t, "top", &plugin.Invocation{})
	f.run(t, "top", &plugin.Invocation{Slots: []string{"2"}})
	f.run(t, "top", &plugin.Invocation{Slots: []string{"zero"}})
	f.run(t, "top", &plugin.Invocation{Target: "#empty"})

	assert.Equal(t, []string{
		"PRIVMSG #dunamis :alice: Top talkers in #dunamis: 1. carol (3), 2. bob (2), 3. alice (1)",
		"PRIVMSG #dunamis :alice: Top talkers in #dunamis: 1. carol (3), 2. bob (2)",
		"PRIVMSG #dunamis :alice: Not a count: zero",
		"PRIVMSG #empty :alice: Nobody has said anything in #empty yet",
	}, f.sender.take())
}

func TestCountersSurviveReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.say(t, "#dunamis", "alice", "before")

	require.NoError(t, f.reg.Unload(ctx, Name))
	got, _, err := f.store.Get(ctx, "stats/#dunamis/alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got, "teardown flushes")

	f.say(t, "#dunamis", "alice", "while unloaded")
	f.plugin = New()
	require.NoError(t, f.reg.Load(ctx, f.plugin))
	f.say(t, "#dunamis", "alice", "after")
	f.flush(t)

	got, _, err = f.store.Get(ctx, "stats/#dunamis/alice")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

// countingStore counts writes and can be told to fail them
type countingStore struct {
	*storage.MemoryStore
	mu   sync.Mutex
	puts int
	fail error
}

func (s *countingStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.fail != nil {
		return s.fail
	}
	return s.MemoryStore.Put(ctx, key, value)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *countingStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func TestMessagesDoNotWriteUntilFlush(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	sender := &fakeSender{}
	reg := plugin.NewRegistry(plugin.Context{Sender: sender, Store: store})
	bus := event.NewBus(reg)
	p := New()
	ctx := context.Background()
	require.NoError(t, reg.Load(ctx, p))
	defer reg.Shutdown(ctx)

	for i := 0; i < 50; i++ {
		bus.Deliver(ctx, event.Event{Kind: event.KindChannelMessage, Nick: "alice", Target: "#dunamis", Text: "x"})
	}
	bus.Deliver(ctx, event.Event{Kind: event.KindChannelMessage, Nick: "bob", Target: "#dunamis", Text: "x"})
	assert.Zero(t, store.writes())

	// unflushed counts are visible to commands
	cmd, ok := reg.Lookup("top")
	require.True(t, ok)
	require.NoError(t, cmd.Invoke(ctx, &plugin.Invocation{Nick: "alice", Target: "#dunamis"}))
	assert.Equal(t, []string{"PRIVMSG #dunamis :alice: Top talkers in #dunamis: 1. alice (50), 2. bob (1)"}, sender.take())

	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 2, store.writes())
	got, _, _ := store.Get(ctx, "stats/#dunamis/alice")
	assert.Equal(t, "50", got)

	// nothing changed, nothing written
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 2, store.writes())
}

func TestFailedFlushIsRetried(t *testing.T) {
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	reg := plugin.NewRegistry(plugin.Context{Store: store})
	bus := event.NewBus(reg)
	p := New()
	ctx := context.Background()
	require.NoError(t, reg.Load(ctx, p))
	defer reg.Shutdown(ctx)

	bus.Deliver(ctx, event.Event{Kind: event.KindChannelMessage, Nick: "alice", Target: "#dunamis", Text: "x"})
	store.failWith(errors.New("disk full"))
	err := p.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	store.failWith(nil)
	require.NoError(t, p.Flush(ctx))
	got, ok, _ := store.Get(ctx, "stats/#dunamis/alice")
	assert.True(t, ok)
	assert.Equal(t, "1", got)
}

func TestFlushLoopWritesPeriodically(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := plugin.NewRegistry(plugin.Context{Store: store})
	bus := event.NewBus(reg)
	ctx := context.Background()
	require.NoError(t, reg.Load(ctx, New(WithFlushInterval(10*time.Millisecond))))
	defer reg.Shutdown(ctx)

	bus.Deliver(ctx, event.Event{Kind: event.KindChannelMessage, Nick: "alice", Target: "#dunamis", Text: "x"})
	require.Eventually(t, func() bool {
		got, ok, _ := store.Get(ctx, "stats/#dunamis/alice")
		return ok && got == "1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInitNeedsStore(t *testing.T) {
	reg := plugin.NewRegistry(plugin.Context{})
	err := reg.Load(context.Background(), New())
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrInitializationFailed)
}
