package process

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a Server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	processesStarted prometheus.Counter
	processesRunning prometheus.Gauge
	processExits     *prometheus.CounterVec
	signals          *prometheus.CounterVec
	streamsAttached  prometheus.Gauge

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{
		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_processes_started_total",
			Help: "Total number of processes started",
		}),
		processesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_processes_running",
			Help: "Number of processes currently running",
		}),
		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_process_exits_total",
				Help: "Total number of process exits by kind",
			},
			[]string{"kind"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_process_signals_total",
				Help: "Total number of signals delivered to processes",
			},
			[]string{"signal"},
		),
		streamsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_process_streams_attached",
			Help: "Number of event streams currently attached to processes",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.processesStarted,
		m.processesRunning,
		m.processExits,
		m.signals,
		m.streamsAttached,
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) processStarted() {
	if m == nil {
		return
	}
	m.processesStarted.Inc()
	m.processesRunning.Inc()
}

// processExited records an exit. kind is one of "exited", "signaled" or "error".
func (m *Metrics) processExited(kind string) {
	if m == nil {
		return
	}
	m.processesRunning.Dec()
	m.processExits.WithLabelValues(kind).Inc()
}

func (m *Metrics) signalSent(name string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name).Inc()
}

func (m *Metrics) streamAttached() {
	if m == nil {
		return
	}
	m.streamsAttached.Inc()
}

func (m *Metrics) streamDetached() {
	if m == nil {
		return
	}
	m.streamsAttached.Dec()
}
