package irc

import (
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dalnet/dunamis/internal/config"
)

// growth starts at initial and multiplies by factor on every call
func growth(initial time.Duration, factor float64) retry.Backoff {
	var mu sync.Mutex
	next := float64(initial)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		d := next
		if next < math.MaxInt64/factor {
			next *= factor
		}
		return time.Duration(d), false
	})
}

// newBackoff builds the delay schedule for one reconnect episode. Jitter is
// applied before the cap so Max is never exceeded.
func newBackoff(cfg config.ReconnectConfig) retry.Backoff {
	b := growth(cfg.Initial, cfg.Factor)
	if cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(cfg.Max, b)
	if cfg.MaxRetries > 0 {
		b = retry.WithMaxRetries(cfg.MaxRetries, b)
	}
	return b
}
