package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bililink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_logins_total",
			Help: "QR login sessions by terminal result.",
		},
		[]string{"result"},
	)

	LoginSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bililink_login_sessions_active",
			Help: "QR login sessions currently polling.",
		},
	)

	CookieRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_cookie_refresh_total",
			Help: "Cookie refresh attempts by result and the step that decided it.",
		},
		[]string{"result", "step"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_verifications_total",
			Help: "Triple-action verifications by result.",
		},
		[]string{"result"},
	)

	RewardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_rewards_total",
			Help: "Reward cycles by outcome.",
		},
		[]string{"status"},
	)

	PlatformCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bililink_platform_calls_total",
			Help: "Calls to the Bilibili API by endpoint and error kind (ok on success).",
		},
		[]string{"endpoint", "kind"},
	)
)

var registerOnce sync.Once

// MustRegister adds every collector to the default registry. Later calls are no-ops.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			LoginsTotal,
			LoginSessionsActive,
			CookieRefreshTotal,
			VerificationsTotal,
			RewardsTotal,
			PlatformCallsTotal,
		)
	})
}
