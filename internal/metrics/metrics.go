package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	RowsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intake_rows_accepted_total",
		Help: "Canonical rows committed to the transaction store",
	})

	RowsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intake_rows_duplicate_total",
		Help: "Rows skipped because their content hash already existed for the tenant",
	})

	RowsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intake_rows_rejected_total",
		Help: "Rows dropped by the ingestion engine with a recorded reason",
	})

	Classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_classifications_total",
		Help: "Classifications by producing layer",
	}, []string{"source"})

	LLMCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_llm_calls_total",
		Help: "LLM requests by call site",
	}, []string{"site"})

	LLMErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_llm_errors_total",
		Help: "LLM failures after retries, by call site",
	}, []string{"site"})

	LLMBudgetExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intake_llm_budget_exhausted_total",
		Help: "Jobs that spent their per-job LLM budget and demoted remaining rows",
	})

	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_jobs_total",
		Help: "Ingest jobs by outcome",
	}, []string{"outcome"})

	PlanCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_plan_cache_requests_total",
		Help: "Parse-plan cache lookups by result",
	}, []string{"result"})

	Suggestions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_pattern_suggestions_total",
		Help: "Pattern suggestions by validation outcome",
	}, []string{"status"})

	ChunkCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_chunk_commit_duration_seconds",
		Help:    "Time to classify and commit one chunk",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
	})

	LLMCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_llm_call_duration_seconds",
		Help:    "Wall time of individual LLM calls including queueing",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})
)

func init() {
	prometheus.MustRegister(
		RowsAccepted,
		RowsDuplicate,
		RowsRejected,
		Classifications,
		LLMCalls,
		LLMErrors,
		LLMBudgetExhausted,
		Jobs,
		PlanCache,
		Suggestions,
		ChunkCommitDuration,
		LLMCallDuration,
	)
}

// Handler exposes the prometheus registry for mounting on the API router.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
