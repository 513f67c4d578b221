package stream

import (
	"github.com/bissquit/incident-escalation/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = metrics.Namespace

var (
	publishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "published_total",
			Help:      "Events handed to the broker",
		},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_total",
			Help:      "Event deliveries skipped because a subscriber buffer was full",
		},
	)

	subscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Live broker subscriptions",
		},
	)

	relayCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "relay_cursor",
			Help:      "Sequence number of the last event relayed from the log",
		},
	)

	gapsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "gaps_skipped_total",
			Help:      "Sequence gaps the relay gave up waiting for",
		},
	)
)
