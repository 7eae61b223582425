package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDispatchOutcome("CHARGE", "stripe", "SUCCEEDED")
	m.RecordDispatchOutcome("CHARGE", "stripe", "SUCCEEDED")
	m.RecordAnomaly("DUPLICATE_CHARGE")
	m.RecordIdempotencyConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchOutcomesTotal.WithLabelValues("CHARGE", "stripe", "SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomaliesTotal.WithLabelValues("DUPLICATE_CHARGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotencyConflicts))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDispatchOutcome("CHARGE", "stripe", "FAILED")
		m.RecordProviderCall("stripe", "charge", "UNKNOWN", 1.5)
		m.RecordHTTPRequest("/health", "GET", 200, 0.01)
		m.RecordReconcilePass(0.2)
	})
}
