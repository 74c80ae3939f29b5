package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat pipeline metrics
	ChatStreamsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paperchat_chat_streams_started_total",
			Help: "Total number of chat sessions started",
		},
		[]string{"transport"},
	)

	ChatStreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paperchat_chat_stream_duration_seconds",
			Help:    "End-to-end duration of one chat session",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paperchat_intent_classifications_total",
			Help: "Intent classifier outcomes",
		},
		[]string{"category"},
	)

	PlannerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paperchat_planner_calls_total",
			Help: "Plan creations by source (llm or fallback)",
		},
		[]string{"source"},
	)

	PlanSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paperchat_plan_steps",
			Help:    "Number of steps per generated plan",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	PapersRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paperchat_papers_retrieved",
			Help:    "Papers returned per retrieval call",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	RetrievalReformulations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_retrieval_reformulations_total",
			Help: "Zero-result retrievals that triggered a query reformulation",
		},
	)

	CitationAudits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paperchat_citation_audits_total",
			Help: "Citation audit outcomes",
		},
		[]string{"result"},
	)

	HallucinatedCitations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_hallucinated_citations_total",
			Help: "Total citation markers that referenced no retrieved source",
		},
	)

	RefinementRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_refinement_rounds_total",
			Help: "Gap-detection refinement rounds executed",
		},
	)

	TitleFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_title_fallbacks_total",
			Help: "Conversation titles derived by truncation after LLM failure",
		},
	)

	// LLM call metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paperchat_llm_calls_total",
			Help: "LLM invocations by task and status",
		},
		[]string{"task", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paperchat_llm_call_duration_seconds",
			Help:    "LLM invocation duration by task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// Session manager metrics
	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_session_cache_hits_total",
			Help: "History reads served from the cache tier",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_session_cache_misses_total",
			Help: "History reads that fell through to the durable store",
		},
	)

	SessionCacheDegradations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_session_cache_degradations_total",
			Help: "Times the cache tier was marked unreachable",
		},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paperchat_persistence_failures_total",
			Help: "Durable-store turn writes that failed after retry",
		},
	)

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paperchat_persistence_queue_depth",
			Help: "Pending writes in the async persistence queue",
		},
	)
)
