package observability

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_MetricsAndProbes(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil)
	var ready atomic.Bool
	srv.SetReadiness(ready.Load)

	_, err := srv.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	}()

	srv.Metrics().LineRead()
	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/healthz/liveness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/healthz/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready.Store(true)
	resp, err = http.Get(base + "/healthz/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "dunamis_lines_read_total 1")
}

func TestServer_DoubleStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil)
	_, err := srv.Start()
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	_, err = srv.Start()
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LineRead()
		m.LineDropped()
		m.Malformed()
		m.EventDispatched("join")
		m.HandlerFailed("stats")
		m.CommandRouted("invoked")
		m.LineWritten()
		m.QueueDepth(3)
		m.StateChanged("connecting", "registering")
		m.SetPluginsLoaded(2)
	})
}

func TestMetrics_StateChanged(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.StateChanged("disconnected", "connecting")
	m.StateChanged("connecting", "registering")

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionState.WithLabelValues("connecting")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionState.WithLabelValues("registering")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StateTransitions.WithLabelValues("connecting")))
}
