package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RecordTick("success", 2*time.Second)
	m.RecordTick("skipped", 0)
	m.RecordEvent("NAME_LISTED", "applied")
	m.RecordAck(12, nil)
	m.RecordAck(15, errors.New("down"))
	m.RecordLedgerOp("accept_offer", nil)

	assert.Equal(t, 1.0, value(t, m.TicksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, value(t, m.TicksTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, value(t, m.EventsProcessed.WithLabelValues("NAME_LISTED", "applied")))
	assert.Equal(t, 12.0, value(t, m.AckedCursor))
	assert.Equal(t, 15.0, value(t, m.PendingAck))
	assert.Equal(t, 1.0, value(t, m.AckFailures))
	assert.Equal(t, 1.0, value(t, m.LedgerOps.WithLabelValues("accept_offer", "ok")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Registering the same names twice on distinct registries must not panic.
	assert.NotPanics(t, func() {
		NewMetrics("dup", prometheus.NewRegistry())
		NewMetrics("dup", prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTick("success", time.Second)
	m.RecordRefresh(nil)
	m.RecordWSMessage()
}
