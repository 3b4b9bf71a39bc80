// Package metrics exposes prometheus instrumentation for the kernel routing
// and stream bridging subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics holds the kernel lifecycle and bridge metrics.
type ServerMetrics struct {
	// KernelsRunning tracks the current number of live kernel processes.
	KernelsRunning prometheus.Gauge

	// KernelsStartedTotal counts kernel launches, by outcome.
	// Labels: status (success, failure)
	KernelsStartedTotal *prometheus.CounterVec

	// KernelRestartsTotal counts restarts, both notebook rebinds and
	// standalone stop+start cycles.
	KernelRestartsTotal prometheus.Counter

	// KernelExitsTotal counts kernel process exits by cause.
	// Labels: cause (stopped, died)
	KernelExitsTotal *prometheus.CounterVec

	// BridgesActive tracks currently attached bridges per channel.
	// Labels: channel (control, broadcast)
	BridgesActive *prometheus.GaugeVec

	// BridgesClosedTotal counts terminal bridge transitions.
	// Labels: channel, state (detached, stale, errored)
	BridgesClosedTotal *prometheus.CounterVec

	// BroadcastMessagesTotal counts messages fanned out from kernel
	// broadcast endpoints (one increment per kernel emission, not per
	// observer delivery).
	BroadcastMessagesTotal prometheus.Counter

	// ObserverEvictionsTotal counts broadcast observers evicted for
	// exceeding their bounded queue.
	ObserverEvictionsTotal prometheus.Counter

	// ControlRequestsTotal counts client requests forwarded to kernel
	// control endpoints.
	ControlRequestsTotal prometheus.Counter
}

// NewServerMetrics creates and registers metrics with the default registry.
func NewServerMetrics() *ServerMetrics {
	return newServerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewServerMetricsWithRegistry registers with a custom registry. Useful for
// testing to avoid conflicts with the default registry.
func NewServerMetricsWithRegistry(reg prometheus.Registerer) *ServerMetrics {
	return newServerMetrics(promauto.With(reg))
}

func newServerMetrics(factory promauto.Factory) *ServerMetrics {
	return &ServerMetrics{
		KernelsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kernelhub",
				Subsystem: "kernels",
				Name:      "running",
				Help:      "Current number of live kernel processes.",
			},
		),
		KernelsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "kernels",
				Name:      "started_total",
				Help:      "Total kernel launch attempts, broken down by outcome.",
			},
			[]string{"status"},
		),
		KernelRestartsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "kernels",
				Name:      "restarts_total",
				Help:      "Total kernel restarts.",
			},
		),
		KernelExitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "kernels",
				Name:      "exits_total",
				Help:      "Total kernel process exits, broken down by cause.",
			},
			[]string{"cause"},
		),
		BridgesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kernelhub",
				Subsystem: "bridges",
				Name:      "active",
				Help:      "Currently attached bridges per channel.",
			},
			[]string{"channel"},
		),
		BridgesClosedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "bridges",
				Name:      "closed_total",
				Help:      "Terminal bridge transitions, broken down by channel and state.",
			},
			[]string{"channel", "state"},
		),
		BroadcastMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "broadcast",
				Name:      "messages_total",
				Help:      "Messages read from kernel broadcast endpoints.",
			},
		),
		ObserverEvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "broadcast",
				Name:      "observer_evictions_total",
				Help:      "Broadcast observers evicted after exceeding their queue bound.",
			},
		),
		ControlRequestsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kernelhub",
				Subsystem: "control",
				Name:      "requests_total",
				Help:      "Client requests forwarded to kernel control endpoints.",
			},
		),
	}
}
