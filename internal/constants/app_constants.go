package constants

const (
	// ServiceName 服务名，用于 tracer 与 metrics 命名空间
	ServiceName = "resume-agent-go"

	// SessionIDPrefix 会话ID前缀，格式 jd_<毫秒时间戳>_<9位随机串>
	SessionIDPrefix = "jd_"

	// ArtifactsSchemaVersion 缓存产物结构版本，结构变化时递增使旧缓存失效
	ArtifactsSchemaVersion = 1
)

// 遥测指标名
const (
	MetricPipelineStart      = "pipeline.start"
	MetricPipelineSuccess    = "pipeline.success"
	MetricPipelineError      = "pipeline.error"
	MetricPipelineTotalMs    = "pipeline.total_ms"
	MetricBudgetUtilization  = "budget.utilization"
	MetricCacheHit           = "cache.hit"
	MetricCacheMiss          = "cache.miss"
	MetricCacheError         = "cache.error"
	MetricParserLLMFallback  = "parser.llm_fallback"
	MetricParserLLMError     = "parser.llm_error"
	MetricParserDurationMs   = "parser.duration_ms"
	MetricRetrieverDuration  = "retriever.duration_ms"
	MetricRerankFallback     = "retriever.rerank_fallback"
	MetricBudgetExhausted    = "compressor.budget_exhausted"
	MetricCoveragePercent    = "coverage.percent"
	MetricCoverageShortfall  = "coverage.insufficient"
	MetricComposerDurationMs = "composer.duration_ms"
	MetricSinkError          = "sink.error"
)
