package incidents

import (
	"errors"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = metrics.Namespace

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Incident transitions by kind and result",
		},
		[]string{"kind", "result"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "escalations_total",
			Help:      "Escalation level raises by source (manual or sla)",
		},
		[]string{"source"},
	)

	activeIncidents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "active",
			Help:      "Active incidents by priority, as seen by the last sweep",
		},
		[]string{"priority"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "escalator",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one escalation sweep",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	sweepCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalator",
			Name:      "candidates_total",
			Help:      "Overdue incidents considered by the escalator, by outcome",
		},
		[]string{"outcome"},
	)
)

// recordTransition records the outcome of one engine operation.
func recordTransition(kind domain.EventKind, err error) {
	transitionsTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

func recordEscalation(source string) {
	escalationsTotal.WithLabelValues(source).Inc()
}

func recordSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

func recordCandidate(outcome string) {
	sweepCandidates.WithLabelValues(outcome).Inc()
}

func recordActive(list []*domain.Incident) {
	counts := map[domain.Priority]int{
		domain.PriorityCritical: 0,
		domain.PriorityHigh:     0,
	}
	for _, inc := range list {
		if !inc.Status.IsResolved() {
			counts[inc.Priority]++
		}
	}
	for p, n := range counts {
		activeIncidents.WithLabelValues(string(p)).Set(float64(n))
	}
}
