package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/observability"
)

// Version information (set at build time or here)
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Sink receives everything the client reads, plus the synthetic connection events
type Sink interface {
	Publish(ctx context.Context, msg *ProtocolMessage)
	Connected(ctx context.Context)
	Disconnected(ctx context.Context, reason error)
}

// Client owns the single server connection and its state machine
type Client struct {
	cfg     *config.Config
	dialer  Dialer
	sink    Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	hook    func(from, to State)

	mu       sync.Mutex
	state    State
	nick     string
	nickIdx  int
	endpoint int
	welcomed bool
	out      *Outbound
	session  context.CancelCauseFunc
	cancel   context.CancelCauseFunc
	done     chan struct{}

	// keepalive, reset per session
	pingSeq         uint64
	pingToken       string
	pingOutstanding bool
	missed          int

	handlers map[string]handlerFunc
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStateHook is called after every state transition
func WithStateHook(fn func(from, to State)) Option {
	return func(c *Client) { c.hook = fn }
}

// NewClient creates a client. A nil dialer dials per cfg.Server; a nil sink discards.
func NewClient(cfg *config.Config, dialer Dialer, sink Sink, opts ...Option) *Client {
	if dialer == nil {
		dialer = NetDialer{
			TLS:                cfg.Server.TLS,
			InsecureSkipVerify: cfg.Server.TLSInsecure,
			Timeout:            cfg.Server.DialTimeout,
		}
	}
	if sink == nil {
		sink = discardSink{}
	}
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		sink:   sink,
		logger: slog.Default(),
		state:  Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "irc")
	c.registerHandlers()
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Nick returns the nickname in use (or being registered)
func (c *Client) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// Budget reports the outbound rate budget of the live connection
func (c *Client) Budget() RateBudget {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return RateBudget{Rate: c.cfg.RateLimit.Rate, Burst: c.cfg.RateLimit.Burst}
	}
	return out.Budget()
}

// Start leaves Disconnected and connects in the background. Cancelling ctx
// has the same effect as Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return oops.Code("CLIENT_RUNNING").Errorf("client already started")
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.transition(runCtx, Connecting, nil)
	go c.supervise(runCtx, done)
	return nil
}

// Done is closed once the client has returned to Disconnected after Start
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Stop sends QUIT, drains or discards the outbound queue per configuration and
// waits for the client to reach Disconnected
func (c *Client) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	cancel, done, out := c.cancel, c.done, c.out
	state := c.state
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if out != nil && (state == Registering || state == Connected) {
		if !c.cfg.DrainOnStop {
			if n := out.Discard(); n > 0 {
				c.logger.Info("discarding queued lines", "count", n)
			}
		}
		if err := c.sendOn(out, "QUIT", reason); err == nil {
			dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
			if err := out.Drain(dctx); err != nil {
				c.logger.Warn("outbound queue not drained before stop", "remaining", out.Len())
			}
			dcancel()
		}
	}

	cancel(ErrStopped)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	endpoints := c.cfg.Endpoints()
	var bo retry.Backoff

	for {
		c.mu.Lock()
		addr := endpoints[c.endpoint%len(endpoints)]
		c.mu.Unlock()

		welcomed, err := c.runSession(ctx, addr)
		if ctx.Err() != nil {
			c.transition(context.WithoutCancel(ctx), Disconnected, context.Cause(ctx))
			return
		}

		c.logger.Warn("connection lost", "server", addr, "error", err)
		if welcomed {
			bo = nil
		} else {
			c.mu.Lock()
			c.endpoint++
			c.mu.Unlock()
		}
		c.transition(ctx, Reconnecting, err)

		if bo == nil {
			bo = newBackoff(c.cfg.Reconnect)
		}
		delay, stop := bo.Next()
		if stop {
			c.logger.Error("giving up reconnecting", "max_retries", c.cfg.Reconnect.MaxRetries)
			c.transition(ctx, Disconnected, ErrRetriesExhausted)
			return
		}

		c.logger.Info("reconnecting", "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.transition(context.WithoutCancel(ctx), Disconnected, context.Cause(ctx))
			return
		case <-timer.C:
		}
		c.transition(ctx, Connecting, nil)
	}
}

// runSession dials addr and runs one connection until it ends. It reports
// whether the server welcomed us and why the session ended.
func (c *Client) runSession(ctx context.Context, addr string) (bool, error) {
	c.logger.Info("connecting", "server", addr, "tls", c.cfg.Server.TLS)

	dctx, dcancel := context.WithTimeout(ctx, c.cfg.Server.DialTimeout)
	conn, err := c.dialer.Dial(dctx, addr)
	dcancel()
	if err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := NewOutbound(c.cfg.RateLimit.Rate, c.cfg.RateLimit.Burst, c.logger, c.metrics)
	c.mu.Lock()
	c.out = out
	c.session = cancel
	c.welcomed = false
	c.nickIdx = 0
	c.nick = c.cfg.Identity.Nicknames[0]
	c.pingOutstanding = false
	c.missed = 0
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(5)
	go func() {
		defer wg.Done()
		out.Run(sctx, conn)
	}()
	go func() {
		defer wg.Done()
		select {
		case err := <-out.Errors():
			cancel(err)
		case <-sctx.Done():
		}
	}()
	go func() {
		defer wg.Done()
		<-sctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		c.keepalive(sctx, cancel)
	}()
	go func() {
		defer wg.Done()
		c.registrationDeadline(sctx, cancel)
	}()

	c.transition(sctx, Registering, nil)
	c.register(out)

	cancel(c.readLoop(sctx, conn))
	wg.Wait()
	out.Close()

	c.mu.Lock()
	welcomed := c.welcomed
	c.out = nil
	c.session = nil
	c.mu.Unlock()

	return welcomed, context.Cause(sctx)
}

func (c *Client) readLoop(ctx context.Context, conn Transport) error {
	framer := NewFramer(conn, c.cfg.MaxLineLength, c.logger, c.metrics)
	for {
		line, err := framer.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return oops.Code("TRANSPORT_UNAVAILABLE").Wrap(fmt.Errorf("%w: connection closed", ErrTransportUnavailable))
			}
			return oops.Code("TRANSPORT_UNAVAILABLE").Wrap(fmt.Errorf("%w: %w", ErrTransportUnavailable, err))
		}

		msg, err := ParseMessage(string(line))
		if err != nil {
			c.metrics.Malformed()
			c.logger.Debug("dropping malformed line", "error", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

// register sends the registration handshake
func (c *Client) register(out *Outbound) {
	c.mu.Lock()
	nick := c.nick
	c.mu.Unlock()

	if c.cfg.Auth.Mechanism == "sasl" {
		_ = c.sendOn(out, "CAP", "REQ", "sasl")
	}
	if c.cfg.Server.Password != "" {
		_ = c.sendOn(out, "PASS", c.cfg.Server.Password)
	}
	_ = c.sendOn(out, "NICK", nick)
	_ = c.sendOn(out, "USER", c.cfg.Identity.Username, "0", "*", c.cfg.Identity.Realname)
}

// registrationDeadline ends the session when the server has not sent 001
// within RegisterTimeout
func (c *Client) registrationDeadline(ctx context.Context, cancel context.CancelCauseFunc) {
	timeout := c.cfg.Server.RegisterTimeout
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	c.mu.Lock()
	welcomed := c.welcomed
	c.mu.Unlock()
	if welcomed {
		return
	}
	c.logger.Warn("server never completed registration", "timeout", timeout)
	cancel(oops.Code("REGISTRATION_TIMEOUT").With("timeout", timeout).Wrap(ErrRegistrationTimeout))
}

// keepalive pings the server while Connected and ends the session after
// MaxMissed consecutive pings go unanswered
func (c *Client) keepalive(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.Keepalive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.state != Connected {
			c.mu.Unlock()
			continue
		}
		if c.pingOutstanding {
			c.missed++
			if c.missed >= c.cfg.Keepalive.MaxMissed {
				missed := c.missed
				c.mu.Unlock()
				c.logger.Warn("server stopped answering pings", "missed", missed)
				cancel(oops.Code("MISSED_PINGS").With("missed", missed).Wrap(ErrMissedPings))
				return
			}
		}
		c.pingSeq++
		token := fmt.Sprintf("dunamis-%d", c.pingSeq)
		c.pingToken = token
		c.pingOutstanding = true
		c.mu.Unlock()

		_ = c.Send("PING", token)
	}
}

// transition moves to state to if legal, reporting Connected and Disconnected to the sink
func (c *Client) transition(ctx context.Context, to State, reason error) {
	c.mu.Lock()
	from := c.state
	if from == to || !canTransition(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	attrs := []any{"from", from.String(), "to", to.String()}
	if reason != nil {
		attrs = append(attrs, "reason", reason.Error())
	}
	c.logger.Info("connection state changed", attrs...)
	c.metrics.StateChanged(from.String(), to.String())
	if c.hook != nil {
		c.hook(from, to)
	}

	switch {
	case to == Connected:
		c.sink.Connected(ctx)
	case to == Disconnected, from == Connected && to == Reconnecting:
		c.sink.Disconnected(ctx, reason)
	}
}

type discardSink struct{}

func (discardSink) Publish(context.Context, *ProtocolMessage) {}
func (discardSink) Connected(context.Context)                 {}
func (discardSink) Disconnected(context.Context, error)       {}
