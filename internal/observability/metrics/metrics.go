package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Outcome string

const (
	Success Outcome = "success"
	Error   Outcome = "error"

	MetricRequestTimeout     time.Duration = 5 * time.Second
	MetricRequestIdleTimeout time.Duration = 10 * time.Second
)

func (o Outcome) String() string {
	return string(o)
}

var defaultHistogramBucketsSeconds = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

var (
	registerOnce sync.Once

	backfillChunksCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardscope_backfill_chunks_total",
			Help: "Number of backfill chunks fetched, by outcome.",
		},
		[]string{"status"},
	)

	backfillEventsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardscope_backfill_events_total",
			Help: "Number of reward events produced by backfills.",
		},
	)

	priceFallbackCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardscope_price_fallbacks_total",
			Help: "Number of spot price lookups served from a fallback.",
		},
		[]string{"token"},
	)

	apyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rewardscope_apy_percent",
			Help: "Latest published APY estimate.",
		},
		[]string{"subject", "policy"},
	)

	refreshDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewardscope_refresh_duration_seconds",
			Help:    "Histogram of refresh durations in seconds.",
			Buckets: defaultHistogramBucketsSeconds,
		},
		[]string{"status"},
	)
)

// Register registers the collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			backfillChunksCounter,
			backfillEventsCounter,
			priceFallbackCounter,
			apyGauge,
			refreshDurationHistogram,
		)
	})
}

// NewRouter serves /metrics and, when estimates is set, /estimates.
func NewRouter(estimates http.Handler) *chi.Mux {
	router := chi.NewRouter()
	router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	if estimates != nil {
		router.Get("/estimates", estimates.ServeHTTP)
	}
	return router
}

// Init registers the collectors and starts the metrics server in the background.
func Init(metricsPort int, estimates http.Handler, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	Register()

	addr := fmt.Sprintf(":%d", metricsPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(estimates),
		ReadTimeout:  MetricRequestTimeout,
		WriteTimeout: MetricRequestTimeout,
		IdleTimeout:  MetricRequestIdleTimeout,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return server
}

func RecordBackfillChunk(outcome Outcome) {
	backfillChunksCounter.WithLabelValues(outcome.String()).Inc()
}

func RecordBackfillEvents(n int) {
	if n > 0 {
		backfillEventsCounter.Add(float64(n))
	}
}

func RecordPriceFallback(token string) {
	priceFallbackCounter.WithLabelValues(token).Inc()
}

func RecordAPY(subject, policy string, apy float64) {
	apyGauge.WithLabelValues(subject, policy).Set(apy)
}

func RecordRefreshDuration(outcome Outcome, d time.Duration) {
	refreshDurationHistogram.WithLabelValues(outcome.String()).Observe(d.Seconds())
}
