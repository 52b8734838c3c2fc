// Package metrics holds the prometheus collectors of one cluster process.
// Every method is nil-safe so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	EndpointAttempts *prometheus.CounterVec
	EndpointLatency  *prometheus.HistogramVec
	RouteOutages     prometheus.Counter

	LeasesGranted prometheus.Counter
	Resyncs       prometheus.Counter
	BrokerState   prometheus.Gauge

	SignalsPublished prometheus.Counter
	SignalsDropped   prometheus.Counter
	SignalsReceived  prometheus.Counter

	WorkersRunning prometheus.Gauge
	WorkerRestarts *prometheus.CounterVec

	Strikes     *prometheus.CounterVec
	StrikerBusy prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		EndpointAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strike_endpoint_attempts_total",
			Help: "Endpoint calls by pool, endpoint and result",
		}, []string{"pool", "endpoint", "result"}),
		EndpointLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strike_endpoint_latency_seconds",
			Help:    "Latency of single endpoint calls",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"pool"}),
		RouteOutages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_route_outages_total",
			Help: "Routes that exhausted every endpoint of every pool",
		}),
		LeasesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_leases_granted_total",
			Help: "Sequence leases granted by the broker",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_broker_resyncs_total",
			Help: "Broker resyncs requested after sequence conflicts",
		}),
		BrokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strike_broker_state",
			Help: "Broker state (0 uninitialized, 1 ready, 2 resync, 3 closed)",
		}),
		SignalsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_signals_published_total",
			Help: "Signals accepted by the fan-out hub",
		}),
		SignalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_signals_dropped_total",
			Help: "Signal deliveries dropped because a recipient was slow or gone",
		}),
		SignalsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strike_signals_received_total",
			Help: "Signals received by this worker",
		}),
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strike_workers_running",
			Help: "Worker processes currently alive",
		}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strike_worker_restarts_total",
			Help: "Worker respawns by role",
		}, []string{"role"}),
		Strikes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strike_attempts_total",
			Help: "Strike cycles by outcome",
		}, []string{"outcome"}),
		StrikerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strike_striker_busy",
			Help: "1 while a strike cycle is in flight",
		}),
	}
	m.reg.MustRegister(
		m.EndpointAttempts, m.EndpointLatency, m.RouteOutages,
		m.LeasesGranted, m.Resyncs, m.BrokerState,
		m.SignalsPublished, m.SignalsDropped, m.SignalsReceived,
		m.WorkersRunning, m.WorkerRestarts,
		m.Strikes, m.StrikerBusy,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveAttempt(pool, endpoint string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EndpointAttempts.WithLabelValues(pool, endpoint, result).Inc()
	m.EndpointLatency.WithLabelValues(pool).Observe(seconds)
}

func (m *Metrics) Outage() {
	if m != nil {
		m.RouteOutages.Inc()
	}
}

func (m *Metrics) LeaseGranted() {
	if m != nil {
		m.LeasesGranted.Inc()
	}
}

func (m *Metrics) Resync() {
	if m != nil {
		m.Resyncs.Inc()
	}
}

func (m *Metrics) SetBrokerState(v int) {
	if m != nil {
		m.BrokerState.Set(float64(v))
	}
}

func (m *Metrics) SignalPublished() {
	if m != nil {
		m.SignalsPublished.Inc()
	}
}

func (m *Metrics) SignalDropped() {
	if m != nil {
		m.SignalsDropped.Inc()
	}
}

func (m *Metrics) SignalReceived() {
	if m != nil {
		m.SignalsReceived.Inc()
	}
}

func (m *Metrics) WorkerUp() {
	if m != nil {
		m.WorkersRunning.Inc()
	}
}

func (m *Metrics) WorkerDown() {
	if m != nil {
		m.WorkersRunning.Dec()
	}
}

func (m *Metrics) WorkerRestarted(role string) {
	if m != nil {
		m.WorkerRestarts.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) Strike(outcome string) {
	if m != nil {
		m.Strikes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.StrikerBusy.Set(1)
		return
	}
	m.StrikerBusy.Set(0)
}
