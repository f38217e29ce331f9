package irc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/dalnet/dunamis/internal/observability"
)

// RateBudget is a snapshot of the outbound token bucket
type RateBudget struct {
	Tokens     float64
	Rate       float64
	Burst      int
	LastRefill time.Time
}

// Outbound is the FIFO of lines waiting to be written. Any goroutine may Send;
// exactly one goroutine runs Run and writes to the transport.
type Outbound struct {
	mu       sync.Mutex
	queue    []string
	inflight bool
	closed   bool
	wake     chan struct{}
	errs     chan error
	limiter  *rate.Limiter

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewOutbound allows ratePerSec lines per second with bursts of burst lines
func NewOutbound(ratePerSec float64, burst int, logger *slog.Logger, metrics *observability.Metrics) *Outbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbound{
		wake:    make(chan struct{}, 1),
		errs:    make(chan error, 1),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logger,
		metrics: metrics,
	}
}

// Send queues one line. The terminator is added when written.
func (o *Outbound) Send(line string) error {
	line = strings.TrimRight(line, "\r\n")

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return oops.Code("TRANSPORT_UNAVAILABLE").Wrap(ErrTransportUnavailable)
	}
	o.queue = append(o.queue, line)
	depth := len(o.queue)
	o.mu.Unlock()

	o.metrics.QueueDepth(depth)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Errors reports the write failure that stopped Run
func (o *Outbound) Errors() <-chan error {
	return o.errs
}

// Len is the number of lines not yet written, including one being written
func (o *Outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight {
		return len(o.queue) + 1
	}
	return len(o.queue)
}

// Budget returns the current token bucket state
func (o *Outbound) Budget() RateBudget {
	now := time.Now()
	return RateBudget{
		Tokens:     o.limiter.TokensAt(now),
		Rate:       float64(o.limiter.Limit()),
		Burst:      o.limiter.Burst(),
		LastRefill: now,
	}
}

// Run writes queued lines to w until ctx is done or a write fails. On failure the
// remaining lines are discarded and ErrTransportUnavailable is sent on Errors.
func (o *Outbound) Run(ctx context.Context, w io.Writer) {
	for {
		line, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}

		if err := o.limiter.Wait(ctx); err != nil {
			// cancelled while waiting for a token; the line stays queued for Drain
			o.requeue(line)
			return
		}

		_, err := io.WriteString(w, line+"\r\n")
		o.mu.Lock()
		o.inflight = false
		o.mu.Unlock()
		if err != nil {
			dropped := o.Discard() + 1
			o.logger.Warn("outbound write failed", "error", err, "dropped", dropped)
			select {
			case o.errs <- oops.Code("TRANSPORT_UNAVAILABLE").
				With("dropped", dropped).
				Wrap(fmt.Errorf("%w: %w", ErrTransportUnavailable, err)):
			default:
			}
			return
		}
		o.metrics.LineWritten()
	}
}

// Drain waits until the queue is empty or ctx ends. Run must be active.
func (o *Outbound) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for o.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Discard empties the queue and returns how many lines were dropped
func (o *Outbound) Discard() int {
	o.mu.Lock()
	n := len(o.queue)
	o.queue = nil
	o.mu.Unlock()
	o.metrics.QueueDepth(0)
	return n
}

// Close rejects further sends and drops anything still queued
func (o *Outbound) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Discard()
}

func (o *Outbound) next() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return "", false
	}
	line := o.queue[0]
	o.queue = o.queue[1:]
	o.inflight = true
	o.metrics.QueueDepth(len(o.queue))
	return line, true
}

func (o *Outbound) requeue(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight = false
	o.queue = append([]string{line}, o.queue...)
}
