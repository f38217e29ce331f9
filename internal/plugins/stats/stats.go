// Package stats counts channel messages per nick and reports the busiest talkers.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/storage"
)

const (
	Name    = "stats"
	Version = "1.0.0"

	defaultTop = 5
	maxTop     = 20

	// DefaultFlushInterval is how often counters are written back to the store
	DefaultFlushInterval = 30 * time.Second
)

// Plugin keeps counters in memory and writes the changed ones to the store
// every flush interval and on teardown, so channel traffic never waits on
// the store.
type Plugin struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	store  storage.Store
	counts map[string]int
	dirty  map[string]bool

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

type Option func(*Plugin)

// WithFlushInterval overrides DefaultFlushInterval
func WithFlushInterval(d time.Duration) Option {
	return func(p *Plugin) { p.interval = d }
}

func New(opts ...Option) *Plugin {
	p := &Plugin{
		interval: DefaultFlushInterval,
		counts:   make(map[string]int),
		dirty:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Summary: "per-channel message counters",
		Events:  []event.Kind{event.KindChannelMessage},
		Commands: []plugin.CommandSpec{
			{Name: "stats", Arity: 1, Usage: "[nick]", Help: "shows how many lines a nick said here", Handler: p.stats},
			{Name: "top", Arity: 1, Usage: "[count]", Help: "lists the most talkative nicks here", Handler: p.top},
		},
	}
}

func (p *Plugin) Init(_ context.Context, pctx *plugin.Context) error {
	if pctx.Store == nil {
		return oops.Code("STORE_REQUIRED").With("plugin", Name).Errorf("stats needs a store")
	}
	p.mu.Lock()
	p.store = pctx.Store
	p.mu.Unlock()
	p.logger = pctx.Logger
	if p.logger == nil {
		p.logger = slog.Default()
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.flushLoop()
	return nil
}

func (p *Plugin) Teardown(ctx context.Context) error {
	if p.stop != nil {
		close(p.stop)
		<-p.done
	}
	return p.Flush(ctx)
}

func (p *Plugin) flushLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		if err := p.Flush(context.Background()); err != nil {
			p.logger.Warn("stats flush failed", "error", err)
		}
	}
}

// Flush writes every counter changed since the last flush. Counters that fail
// to write stay pending for the next one.
func (p *Plugin) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	store := p.store
	pending := make(map[string]int, len(p.dirty))
	for key := range p.dirty {
		pending[key] = p.counts[key]
	}
	clear(p.dirty)
	p.mu.Unlock()

	if store == nil {
		return nil
	}
	var failed []string
	var first error
	for key, n := range pending {
		if err := store.Put(ctx, key, strconv.Itoa(n)); err != nil {
			failed = append(failed, key)
			if first == nil {
				first = err
			}
		}
	}
	if len(failed) == 0 {
		return nil
	}

	p.mu.Lock()
	for _, key := range failed {
		p.dirty[key] = true
	}
	p.mu.Unlock()
	return oops.Code("STATS_WRITE").With("pending", len(failed)).Wrap(first)
}

func (p *Plugin) HandleEvent(ctx context.Context, pctx *plugin.Context, ev event.Event) error {
	if ev.Kind != event.KindChannelMessage || ev.Nick == "" {
		return nil
	}
	// actions count, other CTCP does not
	if strings.HasPrefix(ev.Text, "\x01") && !strings.HasPrefix(ev.Text, "\x01ACTION ") {
		return nil
	}
	_, err := p.increment(ctx, counterKey(ev.Target, ev.Nick))
	return err
}

func (p *Plugin) increment(ctx context.Context, key string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.counts[key]
	if !ok {
		var err error
		if n, err = count(ctx, p.store, key); err != nil {
			return 0, err
		}
	}
	n++
	p.counts[key] = n
	p.dirty[key] = true
	return n, nil
}

// current is the counter for key, unflushed increments included
func (p *Plugin) current(ctx context.Context, key string) (int, error) {
	p.mu.Lock()
	n, ok := p.counts[key]
	store := p.store
	p.mu.Unlock()
	if ok {
		return n, nil
	}
	return count(ctx, store, key)
}

func count(ctx context.Context, store storage.Store, key string) (int, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, oops.Code("STATS_READ").With("key", key).Wrap(err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// a corrupted counter starts over
		return 0, nil
	}
	return n, nil
}

func counterKey(channel, nick string) string {
	return strings.ToLower(channel) + "/" + strings.ToLower(nick)
}

func (p *Plugin) stats(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if inv.Private {
		return pctx.Reply(inv, "Stats are kept per channel, ask in one")
	}
	nick := inv.Slot(0)
	if nick == "" {
		nick = inv.Nick
	}
	n, err := p.current(ctx, counterKey(inv.Target, nick))
	if err != nil {
		return err
	}
	switch n {
	case 0:
		return pctx.Reply(inv, fmt.Sprintf("%s has not said anything in %s yet", nick, inv.Target))
	case 1:
		return pctx.Reply(inv, fmt.Sprintf("%s has said 1 line in %s", nick, inv.Target))
	}
	return pctx.Reply(inv, fmt.Sprintf("%s has said %d lines in %s", nick, n, inv.Target))
}

type talker struct {
	nick  string
	lines int
}

func (p *Plugin) top(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if inv.Private {
		return pctx.Reply(inv, "Stats are kept per channel, ask in one")
	}
	limit := defaultTop
	if raw := inv.Slot(0); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return pctx.Reply(inv, fmt.Sprintf("Not a count: %s", raw))
		}
		limit = min(n, maxTop)
	}

	prefix := strings.ToLower(inv.Target) + "/"
	recs, err := pctx.Store.Query(ctx, storage.Criteria{Prefix: prefix})
	if err != nil {
		return oops.Code("STATS_READ").With("channel", inv.Target).Wrap(err)
	}
	lines := make(map[string]int, len(recs))
	for _, rec := range recs {
		if n, err := strconv.Atoi(rec.Value); err == nil {
			lines[rec.Key] = n
		}
	}
	p.mu.Lock()
	for key, n := range p.counts {
		if strings.HasPrefix(key, prefix) {
			lines[key] = n
		}
	}
	p.mu.Unlock()

	talkers := make([]talker, 0, len(lines))
	for key, n := range lines {
		if n == 0 {
			continue
		}
		talkers = append(talkers, talker{nick: strings.TrimPrefix(key, prefix), lines: n})
	}
	if len(talkers) == 0 {
		return pctx.Reply(inv, fmt.Sprintf("Nobody has said anything in %s yet", inv.Target))
	}
	sort.Slice(talkers, func(i, j int) bool {
		if talkers[i].lines != talkers[j].lines {
			return talkers[i].lines > talkers[j].lines
		}
		return talkers[i].nick < talkers[j].nick
	})
	if len(talkers) > limit {
		talkers = talkers[:limit]
	}

	parts := make([]string, len(talkers))
	for i, t := range talkers {
		parts[i] = fmt.Sprintf("%d. %s (%d)", i+1, t.nick, t.lines)
	}
	return pctx.Reply(inv, fmt.Sprintf("Top talkers in %s: %s", inv.Target, strings.Join(parts, ", ")))
}
