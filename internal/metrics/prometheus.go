package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeCoalesced = "coalesced"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	CodesClaimed        prometheus.Counter
	DuplicateCodes      prometheus.Counter
	DedupStoreErrors    prometheus.Counter
	CodesSwept          prometheus.Counter
	Exchanges           *prometheus.CounterVec
	RefreshProxied      *prometheus.CounterVec
	RateLimitedRequests prometheus.Counter
}

// New creates the collectors and registers them with reg. Registration
// failures are logged, not fatal.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CodesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docid_auth_codes_claimed_total",
			Help: "Total number of authorization codes accepted for exchange.",
		}),
		DuplicateCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docid_auth_duplicate_codes_total",
			Help: "Total number of callbacks rejected as duplicates.",
		}),
		DedupStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docid_auth_dedup_store_errors_total",
			Help: "Total number of used-code store failures (guard failed open).",
		}),
		CodesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docid_auth_codes_swept_total",
			Help: "Total number of expired used-code records removed.",
		}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docid_auth_provider_exchanges_total",
			Help: "Callback exchanges by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RefreshProxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docid_auth_refresh_requests_total",
			Help: "Refresh requests proxied to the backend by outcome.",
		}, []string{"outcome"}),
		RateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docid_auth_rate_limited_requests_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),
	}

	if reg == nil {
		log.Warn().Msg("Prometheus registry is nil, metrics are not exported")
		return m
	}

	for _, c := range []prometheus.Collector{
		m.CodesClaimed, m.DuplicateCodes, m.DedupStoreErrors, m.CodesSwept,
		m.Exchanges, m.RefreshProxied, m.RateLimitedRequests,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}

	return m
}

func (m *Metrics) ObserveClaim(duplicate bool) {
	if m == nil {
		return
	}

	if duplicate {
		m.DuplicateCodes.Inc()
		return
	}

	m.CodesClaimed.Inc()
}

func (m *Metrics) ObserveStoreError() {
	if m == nil {
		return
	}

	m.DedupStoreErrors.Inc()
}

func (m *Metrics) ObserveSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}

	m.CodesSwept.Add(float64(removed))
}

func (m *Metrics) ObserveExchange(provider, outcome string) {
	if m == nil {
		return
	}

	m.Exchanges.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}

	m.RefreshProxied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}

	m.RateLimitedRequests.Inc()
}
