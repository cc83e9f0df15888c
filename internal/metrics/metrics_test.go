package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.Hit(TierMemory)
	m.Hit(TierMemory)
	m.Hit(TierDisk)
	m.Miss()
	m.Build(true, 10*time.Millisecond)
	m.Build(false, time.Millisecond)
	m.Rebuild(false)
	m.PersistError()
	m.SetAssets(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.hits.WithLabelValues(TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hits.WithLabelValues(TierDisk)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.builds.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.builds.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuilds.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.assets))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Hit(TierDisk)
		m.Miss()
		m.Build(true, time.Second)
		m.Rebuild(true)
		m.PersistError()
		m.SetAssets(1)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.Miss()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pagecache_cache_misses_total 1")
}
