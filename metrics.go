package auditry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Skip reasons reported by Metrics.
const (
	SkipReasonSkipped   = "skipped"    // context marked WithSkip
	SkipReasonNoChanges = "no_changes" // update without tracked changes
	SkipReasonNotFound  = "not_found"  // persisted snapshot missing
)

// Metrics counts written and skipped log entries.
type Metrics struct {
	entries *prometheus.CounterVec
	skipped *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditry",
			Name:      "entries_total",
			Help:      "Log entries written, by entity type and action.",
		}, []string{"entity_type", "action"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditry",
			Name:      "skipped_total",
			Help:      "Mutations observed without writing a log entry, by entity type and reason.",
		}, []string{"entity_type", "reason"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.entries, m.skipped} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recorded(entityType string, action Action) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(entityType, string(action)).Inc()
}

func (m *Metrics) skip(entityType, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(entityType, reason).Inc()
}
