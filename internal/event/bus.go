package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dalnet/dunamis/internal/irc"
	"github.com/dalnet/dunamis/internal/logging"
	"github.com/dalnet/dunamis/internal/observability"
)

var tracer = otel.Tracer("dunamis/event")

// ErrHandlerFailed wraps an error or panic from a subscriber
var ErrHandlerFailed = errors.New("handler failed")

// Handler receives one event
type Handler func(ctx context.Context, ev Event) error

// Subscriber is a named handler
type Subscriber struct {
	Name   string
	Handle Handler
}

// Source supplies the subscribers for a kind in delivery order. The plugin
// registry is the Source; its order is plugin load order.
type Source interface {
	Subscribers(kind Kind) []Subscriber
}

var _ irc.Sink = (*Bus)(nil)

type subscription struct {
	Subscriber
	kinds map[Kind]bool
}

// Bus delivers events to the Source's subscribers first, then to subscribers
// added with Subscribe, in the order they were added
type Bus struct {
	source  Source
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	extra []subscription
}

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus. source may be nil.
func NewBus(source Source, opts ...Option) *Bus {
	b := &Bus{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Subscribe adds a handler for kinds after every Source subscriber. An existing
// subscription with the same name is replaced in place.
func (b *Bus) Subscribe(name string, kinds []Kind, h Handler) {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	sub := subscription{Subscriber: Subscriber{Name: name, Handle: h}, kinds: set}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.extra {
		if b.extra[i].Name == name {
			b.extra[i] = sub
			return
		}
	}
	b.extra = append(b.extra, sub)
}

// Unsubscribe removes the named subscription, reporting whether it existed
func (b *Bus) Unsubscribe(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.extra {
		if b.extra[i].Name == name {
			b.extra = append(b.extra[:i], b.extra[i+1:]...)
			return true
		}
	}
	return false
}

// Publish classifies msg and delivers the event
func (b *Bus) Publish(ctx context.Context, msg *irc.ProtocolMessage) {
	b.Deliver(ctx, Classify(msg))
}

// Connected delivers a Connected event
func (b *Bus) Connected(ctx context.Context) {
	b.Deliver(ctx, newEvent(KindConnected, nil))
}

// Disconnected delivers a Disconnected event carrying the reason
func (b *Bus) Disconnected(ctx context.Context, reason error) {
	ev := newEvent(KindDisconnected, nil)
	if reason != nil {
		ev.Reason = reason.Error()
	}
	b.Deliver(ctx, ev)
}

// Deliver hands ev to every subscriber of its kind, one at a time. Failures are
// logged and counted; delivery continues. It returns the number of failures.
func (b *Bus) Deliver(ctx context.Context, ev Event) int {
	var subs []Subscriber
	if b.source != nil {
		subs = b.source.Subscribers(ev.Kind)
	}
	b.mu.RLock()
	for _, s := range b.extra {
		if s.kinds[ev.Kind] {
			subs = append(subs, s.Subscriber)
		}
	}
	b.mu.RUnlock()

	b.metrics.EventDispatched(string(ev.Kind))

	failures := 0
	for _, sub := range subs {
		if err := b.call(ctx, sub, ev); err != nil {
			failures++
			b.metrics.HandlerFailed(sub.Name)
			logging.LogError(b.logger, "event handler failed", err,
				"subscriber", sub.Name, "kind", string(ev.Kind), "event_id", ev.ID.String())
		}
	}
	return failures
}

func (b *Bus) call(ctx context.Context, sub Subscriber, ev Event) (err error) {
	ctx, span := tracer.Start(ctx, "event.deliver",
		trace.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("event.id", ev.ID.String()),
			attribute.String("subscriber", sub.Name),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("HANDLER_PANIC").
				With("subscriber", sub.Name).
				With("panic", fmt.Sprint(r)).
				Wrap(ErrHandlerFailed)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if herr := sub.Handle(ctx, ev); herr != nil {
		return oops.Code("HANDLER_FAILED").
			With("subscriber", sub.Name).
			Wrap(fmt.Errorf("%w: %w", ErrHandlerFailed, herr))
	}
	return nil
}
