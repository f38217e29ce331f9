package irc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stampWriter records each line with the time it was written
type stampWriter struct {
	mu    sync.Mutex
	lines []string
	times []time.Time
}

func (w *stampWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, string(p))
	w.times = append(w.times, time.Now())
	return len(p), nil
}

func (w *stampWriter) snapshot() ([]string, []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...), append([]time.Time(nil), w.times...)
}

func TestOutboundOrderAndRate(t *testing.T) {
	// 5 lines/s scaled up 20x to keep the test short; the bucket shape is the same
	const (
		rate  = 100.0
		burst = 5
		total = 50
	)
	out := NewOutbound(rate, burst, nil, nil)
	w := &stampWriter{}

	for i := 0; i < total; i++ {
		require.NoError(t, out.Send(fmt.Sprintf("PRIVMSG #dunamis :line %d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.Run(ctx, w)
	}()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	require.NoError(t, out.Drain(dctx))
	cancel()
	<-done

	lines, times := w.snapshot()
	require.Len(t, lines, total)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("PRIVMSG #dunamis :line %d\r\n", i), line)
	}

	// after the initial burst, no window of one second's worth of tokens may
	// carry more than rate + burst lines
	interval := time.Duration(float64(time.Second) / rate)
	for i := burst; i < total; i++ {
		minElapsed := time.Duration(i-burst) * interval
		assert.GreaterOrEqual(t, times[i].Sub(times[0]), minElapsed-2*time.Millisecond, "line %d sent early", i)
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, io.ErrClosedPipe
	}
	w.n--
	return len(p), nil
}

func TestOutboundWriteFailure(t *testing.T) {
	out := NewOutbound(1000, 10, nil, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, out.Send("PING :x"))
	}

	out.Run(context.Background(), &failingWriter{n: 2})

	select {
	case err := <-out.Errors():
		assert.True(t, errors.Is(err, ErrTransportUnavailable))
		assert.True(t, errors.Is(err, io.ErrClosedPipe))
	default:
		t.Fatal("expected a transport error")
	}
	assert.Zero(t, out.Len())
}

func TestOutboundClosedRejectsSend(t *testing.T) {
	out := NewOutbound(10, 1, nil, nil)
	require.NoError(t, out.Send("PING :x"))
	out.Close()

	assert.Zero(t, out.Len())
	assert.ErrorIs(t, out.Send("PING :y"), ErrTransportUnavailable)
}

func TestOutboundStripsTerminators(t *testing.T) {
	out := NewOutbound(1000, 10, nil, nil)
	r, w := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.Run(ctx, w)
	}()

	require.NoError(t, out.Send("NICK Dunamis\r\n"))
	line, err := bufio.NewReader(r).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "NICK Dunamis\r\n", line)
	assert.False(t, strings.Contains(strings.TrimSuffix(line, "\r\n"), "\r"))

	cancel()
	<-done
	_ = r.Close()
}

func TestOutboundBudget(t *testing.T) {
	out := NewOutbound(5, 5, nil, nil)
	b := out.Budget()
	assert.Equal(t, 5.0, b.Rate)
	assert.Equal(t, 5, b.Burst)
	assert.InDelta(t, 5.0, b.Tokens, 0.01)
}
