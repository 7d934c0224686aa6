package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	before := testutil.ToFloat64(m.RunTransitions.WithLabelValues("pending", "queued", "Enqueue"))
	m.RecordTransition("pending", "queued", "Enqueue")
	assert.Equal(t, before+1, testutil.ToFloat64(m.RunTransitions.WithLabelValues("pending", "queued", "Enqueue")))

	m.SetQueueDepth("runs", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth.WithLabelValues("runs")))

	before = testutil.ToFloat64(m.CreditsMoved.WithLabelValues("consume"))
	m.RecordLedger("consume", true, 3)
	m.RecordLedger("consume", false, 3)
	assert.Equal(t, before+3, testutil.ToFloat64(m.CreditsMoved.WithLabelValues("consume")))

	m.RecordToolCall("search", true, 20*time.Millisecond)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("a", "b", "c")
		m.RecordJob("runs", "t", "done", time.Second)
		m.RecordSweep("timeout", 2)
		m.IncDLQDepth("runs")
	})
}
