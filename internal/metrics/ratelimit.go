package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LimiterWaits records how long outbound requests were held by the per-host
// rate limiter.
type LimiterWaits struct {
	waits *prometheus.HistogramVec
}

// NewLimiterWaits registers the limiter histogram against reg.
func NewLimiterWaits(reg prometheus.Registerer) (*LimiterWaits, error) {
	m := &LimiterWaits{
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitepdf_rate_limit_wait_seconds",
			Help:    "Time outbound requests waited for a rate limit token, labeled by host.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"host"}),
	}
	if err := reg.Register(m.waits); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe records one wait. Its signature matches ratelimit.Config.Observe.
func (m *LimiterWaits) Observe(host string, waited time.Duration) {
	m.waits.WithLabelValues(host).Observe(waited.Seconds())
}
