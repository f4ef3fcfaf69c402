package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
)

// Metrics holds the Prometheus collectors for every polled vehicle.
type Metrics struct {
	reg prometheus.Gatherer

	Exchanges        *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	ConnectionState  *prometheus.GaugeVec
	PIDValue         *prometheus.GaugeVec
	Polls            *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_exchanges_total",
			Help: "Command exchanges with the adapter by result",
		}, []string{"vehicle", "result"}),
		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elm327_exchange_duration_seconds",
			Help:    "Time from command write to prompt",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"vehicle"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm327_connection_state",
			Help: "1 for the current connection state of each vehicle",
		}, []string{"vehicle", "state"}),
		PIDValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm327_pid_value",
			Help: "Latest decoded value per PID",
		}, []string{"vehicle", "pid", "unit"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_polls_total",
			Help: "Collection cycles by resulting connection state",
		}, []string{"vehicle", "state"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elm327_poll_duration_seconds",
			Help:    "Duration of a full collection cycle",
			Buckets: prometheus.DefBuckets,
		}, []string{"vehicle"}),
	}
	reg.MustRegister(
		m.Exchanges,
		m.ExchangeDuration,
		m.ConnectionState,
		m.PIDValue,
		m.Polls,
		m.PollDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ForVehicle returns an observer that feeds protocol events for one vehicle.
func (m *Metrics) ForVehicle(name string) elm327.Observer {
	return &vehicleObserver{m: m, vehicle: name}
}

// ObserveSnapshot records one collection cycle. Absent PIDs are removed
// from the value gauge rather than reported as zero.
func (m *Metrics) ObserveSnapshot(vehicle string, pids []elm327.PIDDefinition, snap elm327.Snapshot, took time.Duration) {
	m.Polls.WithLabelValues(vehicle, snap.State.String()).Inc()
	m.PollDuration.WithLabelValues(vehicle).Observe(took.Seconds())
	for _, p := range pids {
		if v, ok := snap.Value(p.Key); ok {
			m.PIDValue.WithLabelValues(vehicle, p.Key, p.Unit).Set(v)
		} else {
			m.PIDValue.DeleteLabelValues(vehicle, p.Key, p.Unit)
		}
	}
}

type vehicleObserver struct {
	m       *Metrics
	vehicle string
}

func (o *vehicleObserver) ExchangeDone(_ string, took time.Duration, err error) {
	result := "ok"
	var xe *elm327.ExchangeError
	if errors.As(err, &xe) {
		result = xe.Kind.String()
	} else if err != nil {
		result = "io"
	}
	o.m.Exchanges.WithLabelValues(o.vehicle, result).Inc()
	o.m.ExchangeDuration.WithLabelValues(o.vehicle).Observe(took.Seconds())
}

func (o *vehicleObserver) StateChanged(s elm327.ConnectionState) {
	for _, st := range []elm327.ConnectionState{elm327.StateDisconnected, elm327.StateConnected, elm327.StateError} {
		v := 0.0
		if st == s {
			v = 1
		}
		o.m.ConnectionState.WithLabelValues(o.vehicle, st.String()).Set(v)
	}
}
