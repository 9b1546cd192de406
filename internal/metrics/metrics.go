package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_pages_total",
			Help: "Result pages processed by the crawler.",
		},
		[]string{"status"}, // ok, retried, skipped
	)

	ListingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_listings_total",
			Help: "Listing summaries seen on result pages.",
		},
		[]string{"outcome"}, // accepted, invalid, duplicate, foreign
	)

	DetailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_details_total",
			Help: "Detail pages processed.",
		},
		[]string{"outcome"}, // phone, na, replayed
	)

	ProxyTestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_proxy_tests_total",
			Help: "Canary requests through candidate proxies.",
		},
		[]string{"result"}, // ok, failed
	)

	ProxyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olx_scraper_proxy_failures_total",
			Help: "Failures recorded against active proxies.",
		},
	)

	ActiveProxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "olx_scraper_active_proxies",
			Help: "Proxies currently in rotation.",
		},
	)

	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olx_scraper_runs_total",
			Help: "Extraction runs by final status.",
		},
		[]string{"status", "error_type"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "olx_scraper_run_duration_seconds",
			Help:    "Wall time of extraction runs.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)
)
