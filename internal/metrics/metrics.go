// Package metrics содержит коллекторы Prometheus сервиса ecokoin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecokoin_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecokoin_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DepositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecokoin_deposits_total",
			Help: "Total number of credited waste deposits",
		},
	)

	CoinsCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecokoin_coins_credited_total",
			Help: "Total number of coins credited for deposits",
		},
	)

	CoinsDebitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecokoin_coins_debited_total",
			Help: "Total number of coins debited by completed redemptions",
		},
	)

	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecokoin_redemptions_total",
			Help: "Redemption voucher operations by outcome",
		},
		[]string{"operation", "result"},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecokoin_verifications_total",
			Help: "Photo verification calls by kind and result",
		},
		[]string{"kind", "result"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecokoin_rate_limited_total",
			Help: "Operations rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	LedgerDriftUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecokoin_ledger_drift_users",
			Help: "Number of users whose cached balance differs from the ledger history",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordDeposit(coins int64) {
	DepositsTotal.Inc()
	CoinsCreditedTotal.Add(float64(coins))
}

// RecordRedemption учитывает операцию с ваучером; coins > 0 только для выдачи товара.
func RecordRedemption(operation, result string, coins int64) {
	RedemptionsTotal.WithLabelValues(operation, result).Inc()
	if coins > 0 {
		CoinsDebitedTotal.Add(float64(coins))
	}
}

func RecordVerification(kind string, ok bool) {
	result := "rejected"
	if ok {
		result = "passed"
	}
	VerificationsTotal.WithLabelValues(kind, result).Inc()
}

func RecordRateLimited(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}

func SetLedgerDrift(users int) {
	LedgerDriftUsers.Set(float64(users))
}
