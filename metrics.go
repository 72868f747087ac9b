package instrumentd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// brokerMetrics aggregates the broker's own instrumentation. The registry is
// also handed to the telemetry bundle so /metrics serves broker counters next
// to the Go runtime and OTel series.
type brokerMetrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	timeouts    prometheus.Counter
	malformed   prometheus.Counter
	dropped     prometheus.Counter
	inflight    prometheus.Gauge
	sendSeconds prometheus.Histogram
}

func newBrokerMetrics() *brokerMetrics {
	m := &brokerMetrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "instrumentd",
			Name:      "commands_total",
			Help:      "Commands completed with a response, by response status.",
		}, []string{"status"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instrumentd",
			Name:      "command_timeouts_total",
			Help:      "Commands abandoned because no response arrived in time.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instrumentd",
			Name:      "malformed_responses_total",
			Help:      "Outbound-channel lines that did not parse as valid responses.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instrumentd",
			Name:      "dropped_responses_total",
			Help:      "Well-formed responses discarded for lack of a waiting sender.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "instrumentd",
			Name:      "inflight_commands",
			Help:      "Commands currently awaiting a response.",
		}),
		sendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "instrumentd",
			Name:      "command_duration_seconds",
			Help:      "Wall time from command transmit to matched response.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
	m.registry.MustRegister(
		m.commands, m.timeouts, m.malformed, m.dropped, m.inflight, m.sendSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
