package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetIsolates(1, 2)
	m.SetGeneration(3)
	m.Replaced()
	m.ReplaceFailed()
	m.Reloaded(nil)
	m.Dispatched("GET /", "ok", time.Millisecond)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Dispatched("GET /a", "ok", 10*time.Millisecond)
	m.Dispatched("GET /a", "ok", 20*time.Millisecond)
	m.Dispatched("GET /a", "timeout", time.Second)
	m.Reloaded(nil)
	m.Reloaded(errors.New("bad"))
	m.Replaced()
	m.ReplaceFailed()
	m.ReplaceFailed()
	m.SetIsolates(3, 1)
	m.SetGeneration(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("GET /a", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("GET /a", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replacements))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.replaceFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.isolates.WithLabelValues("idle")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.generation))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetGeneration(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "scriptd_generation 1")
}
