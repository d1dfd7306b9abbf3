// Package metrics exposes prometheus counters and gauges for the
// download pipeline, cache and rate limiter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursepull_downloads_total",
		Help: "Total number of download jobs by outcome",
	}, []string{"outcome"})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepull_cache_evictions_total",
		Help: "Total number of cache entries evicted",
	})

	BackoffsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursepull_rate_limiter_backoffs_total",
		Help: "Total number of backoff windows installed after throttling",
	})

	TokensAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coursepull_rate_limiter_tokens",
		Help: "Rate limiter tokens currently available",
	})

	BatchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coursepull_batch_active",
		Help: "Whether a download batch is currently running",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
