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

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordRebuild(1, 20*time.Millisecond, nil)
	m.RecordRebuild(2, 5*time.Millisecond, errors.New("store down"))
	m.RecordRebuildRejected()
	m.SetIndexSize(1, 42, 3)
	m.RecordMutation("upsert", nil)
	m.RecordResolve("matched", time.Microsecond)
	m.RecordResolve("not_found", time.Microsecond)
	m.RecordHTTPRequest("resolve", 404)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebuildsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebuildsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebuildsRejected))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IndexNodes.WithLabelValues("1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IndexDroppedRecords.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("upsert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolveTotal.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("resolve", "404")))

	m.ClearIndexSize(1)
	assert.Equal(t, 0, testutil.CollectAndCount(m.IndexNodes))

	// A second instance registers cleanly on its own registry.
	other := NewMetrics()
	assert.NotSame(t, m.Registry(), other.Registry())
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordResolve("redirect", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pidx_resolve_total{outcome="redirect"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRebuild(1, time.Second, nil)
		m.RecordRebuildRejected()
		m.SetIndexSize(1, 1, 0)
		m.ClearIndexSize(1)
		m.RecordMutation("delete", nil)
		m.RecordResolve("matched", time.Second)
		m.RecordHTTPRequest("resolve", 200)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
