package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentpay"

type PrometheusRecorder struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	spend   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the agent collectors on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Payment flow events by type.",
		},
		[]string{"event", LabelChain},
	)

	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Latency of signing and paid requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", LabelChain},
	)

	spend := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usdc_total",
			Help:      "Settled spend in USDC.",
		},
		[]string{LabelChain, LabelVendor},
	)

	for _, c := range []prometheus.Collector{events, latency, spend} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return &PrometheusRecorder{events: events, latency: latency, spend: spend}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.events.With(prometheus.Labels{
		"event":    name,
		LabelChain: labels[LabelChain],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.latency.With(prometheus.Labels{
		"operation": name,
		LabelChain:  labels[LabelChain],
	}).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddSpend(amount float64, labels map[string]string) {
	if amount <= 0 {
		return
	}
	p.spend.With(prometheus.Labels{
		LabelChain:  labels[LabelChain],
		LabelVendor: labels[LabelVendor],
	}).Add(amount)
}
