package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndServe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobEnqueued("payout", "shielded")
	m.JobEnqueued("payout", "shielded")
	m.JobConfirmed("payout", 500)
	m.SetJobCounts(map[string]int64{"pending": 3})
	m.ObserveClaim(10*time.Millisecond, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("payout", "shielded")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.SettledVolume.WithLabelValues("payout")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsByStatus.WithLabelValues("pending")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "shieldmarket_settlement_jobs_enqueued_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobEnqueued("payout", "shielded")
	m.TradeExecuted("yes", 1)
	m.ObserveHTTP("GET", "/healthz", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
