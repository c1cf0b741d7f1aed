// Package metrics owns the Prometheus registry and the service collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

const namespace = "im_fanout"

var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		New,
	),
)

type Metrics struct {
	reg *prometheus.Registry

	SendTotal    *prometheus.CounterVec   // code
	SendDuration *prometheus.HistogramVec // code
	Pushed       *prometheus.CounterVec   // result: delivered | offline | duplicate
	Receipts     *prometheus.CounterVec   // state, result
	Transitions  *prometheus.CounterVec   // state
	Presence     *prometheus.CounterVec   // online
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		SendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_total",
			Help:      "Send requests by result code (ok on success).",
		}, []string{"code"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Send latency from validation to result.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"code"}),
		Pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_pushed_total",
			Help:      "Fan-out envelopes per recipient by local outcome.",
		}, []string{"result"}),
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Delivery receipts consumed from the bus.",
		}, []string{"state", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_transitions_total",
			Help:      "Delivery record state changes on this instance.",
		}, []string{"state"}),
		Presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Presence events applied to the directory.",
		}, []string{"online"}),
	}
	reg.MustRegister(m.SendTotal, m.SendDuration, m.Pushed, m.Receipts, m.Transitions, m.Presence)
	return m
}

// Gauge registers a value read at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
