package request

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by every executor registered against
// the same registry. Executors label samples with their provider name.
type Metrics struct {
	Requests *prometheus.CounterVec
	Retries  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "econdata",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider HTTP attempts by response status (\"error\" when no response was received).",
		}, []string{"provider", "status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "econdata",
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Provider HTTP attempts that were retried.",
		}, []string{"provider"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "econdata",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Latency of individual provider HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Requests, m.Retries, m.Duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(provider string, status int, seconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.Requests.WithLabelValues(provider, label).Inc()
	m.Duration.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) retried(provider string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(provider).Inc()
}
