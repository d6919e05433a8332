package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/tracing"
	"resume-agent-go/internal/types"
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// StageTransition 一次阶段切换
type StageTransition struct {
	SessionID string
	From      Stage
	To        Stage
	At        time.Time
}

// StageHook 阶段切换回调，在流水线所在 goroutine 上同步调用
type StageHook func(StageTransition)

// Adapters 流水线依赖的外部适配器，均为必填
type Adapters struct {
	LLM      LLMClient
	Embedder Embedder
	Vectors  VectorSearcher
	Lexical  LexicalSearcher
	Counter  TokenCounter
}

// PipelineMetrics GetMetrics 的返回值
type PipelineMetrics struct {
	Config           config.PipelineConfig         `json:"config"`
	ModelLimits      map[string]config.ModelLimit `json:"modelLimits"`
	ActiveModel      string                        `json:"activeModel"`
	ActiveModelLimit config.ModelLimit             `json:"activeModelLimit"`
	UptimeSeconds    float64                       `json:"uptimeSeconds"`
}

// cachedArtifacts 缓存中的解析、检索、压缩产物；覆盖报告不缓存
type cachedArtifacts struct {
	Version           int                        `json:"version"`
	Schema            *types.JDSchema            `json:"schema"`
	Evidence          []types.CompressedEvidence `json:"evidence"`
	TotalTokens       int                        `json:"totalTokens"`
	BudgetUtilization float64                    `json:"budgetUtilization"`
	Exhausted         bool                       `json:"exhausted"`
}

// JDPipeline JD 到简历的流水线编排
// 除缓存外各次调用之间不共享可变状态，可并发调用
type JDPipeline struct {
	cfg         config.PipelineConfig
	modelLimits map[string]config.ModelLimit
	adapters    Adapters

	reranker    Reranker
	cache       Cache
	telemetry   Telemetry
	matcher     RequirementMatcher
	sinks       []ResultSink
	sinkTimeout time.Duration
	stageHook   StageHook
	logger      zerolog.Logger
	now         func() time.Time

	parser     *JDParser
	retriever  *HybridRetriever
	compressor *EvidenceCompressor
	tracker    *CoverageTracker
	composer   *ResumeComposer

	startedAt time.Time
}

// NewJDPipeline 创建流水线，配置在实例生命周期内不变
func NewJDPipeline(cfg config.PipelineConfig, adapters Adapters, opts ...PipelineOption) (*JDPipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case adapters.LLM == nil:
		return nil, fmt.Errorf("LLMClient 不能为空")
	case adapters.Embedder == nil:
		return nil, fmt.Errorf("Embedder 不能为空")
	case adapters.Vectors == nil:
		return nil, fmt.Errorf("VectorSearcher 不能为空")
	case adapters.Lexical == nil:
		return nil, fmt.Errorf("LexicalSearcher 不能为空")
	case adapters.Counter == nil:
		return nil, fmt.Errorf("TokenCounter 不能为空")
	}

	p := &JDPipeline{
		cfg:         cfg,
		modelLimits: config.DefaultModelContextLimits(),
		adapters:    adapters,
		telemetry:   noopTelemetry{},
		sinkTimeout: 10 * time.Second,
		logger:      log.With().Str("component", "jd_pipeline").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.parser = NewJDParser(adapters.LLM, adapters.Counter, cfg,
		WithParserLogger(p.logger.With().Str("stage", string(StageParsing)).Logger()),
		WithParserTelemetry(p.telemetry))
	p.retriever = NewHybridRetriever(adapters.Embedder, adapters.Vectors, adapters.Lexical,
		WithRetrieverReranker(p.reranker),
		WithRetrieverLogger(p.logger.With().Str("stage", string(StageRetrieving)).Logger()),
		WithRetrieverTelemetry(p.telemetry))
	p.compressor = NewEvidenceCompressor(adapters.Counter,
		WithCompressorLLM(adapters.LLM),
		WithCompressorLogger(p.logger.With().Str("stage", string(StageCompressing)).Logger()),
		WithCompressorTelemetry(p.telemetry))
	p.tracker = NewCoverageTracker(p.matcher)
	p.composer = NewResumeComposer(adapters.LLM,
		WithComposerLogger(p.logger.With().Str("stage", string(StageComposing)).Logger()),
		WithComposerTelemetry(p.telemetry))
	p.startedAt = p.now()

	p.logger.Info().
		Str("model", cfg.ModelName).
		Int("evidence_budget", cfg.EvidenceTokenBudget).
		Bool("strict_coverage", cfg.StrictCoverage).
		Bool("cache", cfg.CacheEnabled && p.cache != nil).
		Int("sinks", len(p.sinks)).
		Msg("JD流水线初始化完成")
	return p, nil
}

// pipelineRun 单次调用的状态
type pipelineRun struct {
	sessionID string
	stage     Stage
}

func (p *JDPipeline) transition(run *pipelineRun, to Stage) {
	from := run.stage
	run.stage = to
	if p.stageHook != nil {
		p.stageHook(StageTransition{SessionID: run.sessionID, From: from, To: to, At: p.now()})
	}
}

// ProcessJD 处理一份岗位描述，返回带覆盖报告的简历
// 致命错误返回 *PipelineError，不返回部分结果
func (p *JDPipeline) ProcessJD(ctx context.Context, rawText, userID string) (*types.PipelineResult, error) {
	start := p.now()
	run := &pipelineRun{sessionID: newSessionID(start), stage: StageIdle}
	p.telemetry.Counter(constants.MetricPipelineStart, 1, nil)

	if p.cfg.RequestTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.RequestTimeoutSeconds)*time.Second)
		defer cancel()
	}

	ctx, span := processorTracer.Start(ctx, "JDPipeline.ProcessJD")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.session_id", run.sessionID),
		attribute.String("pipeline.user_id", tracing.SafeAttributeValue("pipeline.user_id", userID, 64)),
	)

	logger := p.logger.With().Str("session_id", run.sessionID).Logger()
	result, err := p.run(ctx, run, rawText, userID, logger)
	if err != nil {
		failedAt := run.stage
		pe := classifyStageError(failedAt, stageFallbackKind(failedAt), err)
		if pe.Kind != KindTimeout && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			pe = newPipelineError(failedAt, KindTimeout, err, "")
		}
		pe.SessionID = run.sessionID
		p.transition(run, StageFailed)

		p.telemetry.Counter(constants.MetricPipelineError, 1, map[string]string{
			"error_kind": string(pe.Kind),
			"stage":      string(pe.Stage),
		})
		tracing.RecordError(span, pe, tracing.ErrorTypePipeline,
			attribute.String("pipeline.failed_stage", string(pe.Stage)),
			attribute.String("pipeline.error_kind", string(pe.Kind)),
		)
		logger.Error().Err(pe).Str("stage", string(pe.Stage)).Str("error_kind", string(pe.Kind)).Msg("JD流水线失败")
		return nil, pe
	}

	result.Metadata.SessionID = run.sessionID
	result.Metadata.UserID = userID
	result.Metadata.ProcessingTimeMs = p.now().Sub(start).Milliseconds()
	p.transition(run, StageDone)

	p.telemetry.Counter(constants.MetricPipelineSuccess, 1, nil)
	p.telemetry.Timer(constants.MetricPipelineTotalMs, float64(result.Metadata.ProcessingTimeMs), nil)
	p.telemetry.Gauge(constants.MetricBudgetUtilization, result.Metadata.BudgetUtilization, nil)
	span.SetAttributes(
		attribute.Float64("pipeline.coverage_percent", result.Metadata.CoveragePercent),
		attribute.Bool("pipeline.cache_hit", result.Metadata.CacheHit),
	)
	logger.Info().
		Int64("elapsed_ms", result.Metadata.ProcessingTimeMs).
		Float64("coverage", result.Metadata.CoveragePercent).
		Float64("budget_utilization", result.Metadata.BudgetUtilization).
		Bool("cache_hit", result.Metadata.CacheHit).
		Msg("JD流水线完成")

	p.deliver(ctx, result, logger)
	return result, nil
}

func (p *JDPipeline) run(ctx context.Context, run *pipelineRun, rawText, userID string, logger zerolog.Logger) (*types.PipelineResult, error) {
	cleaned := CleanJobDescription(rawText)
	rawHash := HashCleanedText(cleaned)
	scope := types.CorpusScope{UserID: userID}
	cacheKey := artifactsCacheKey(rawHash, userID)

	meta := types.ResultMetadata{RawHash: rawHash}
	artifacts, hit := p.loadArtifacts(ctx, cacheKey, logger)

	if hit {
		meta.CacheHit = true
	} else {
		p.transition(run, StageParsing)
		schema := p.parser.ParseCleaned(ctx, cleaned)
		if schema.Source == types.SourceRules {
			logger.Warn().Str("error_kind", string(KindParseFallback)).Msg(ErrParseFallback.Error())
		}

		p.transition(run, StageRetrieving)
		candidates, err := p.retriever.Retrieve(ctx, schema, scope, p.cfg)
		if err != nil {
			return nil, err
		}

		p.transition(run, StageCompressing)
		compressed, err := p.compressor.Compress(ctx, candidates, p.cfg)
		if err != nil {
			return nil, err
		}
		if compressed.Exhausted {
			logger.Warn().Str("error_kind", string(KindBudgetExhaustedPartial)).Int("dropped", compressed.Dropped).Msg(ErrBudgetExhaustedPartial.Error())
		}

		artifacts = &cachedArtifacts{
			Version:           constants.ArtifactsSchemaVersion,
			Schema:            schema,
			Evidence:          compressed.Evidence,
			TotalTokens:       compressed.TotalTokens,
			BudgetUtilization: compressed.BudgetUtilization,
			Exhausted:         compressed.Exhausted,
		}
		p.storeArtifacts(ctx, cacheKey, artifacts, logger)
	}

	schema := artifacts.Schema
	meta.ParseFallback = schema.Source == types.SourceRules
	meta.BudgetUtilization = artifacts.BudgetUtilization
	meta.BudgetExhausted = artifacts.Exhausted
	meta.EvidenceCount = len(artifacts.Evidence)

	p.transition(run, StageCoverageCheck)
	report, pct := p.tracker.Evaluate(schema, artifacts.Evidence)
	meta.CoveragePercent = pct
	p.telemetry.Gauge(constants.MetricCoveragePercent, pct, nil)
	if !MeetsThreshold(pct, p.cfg.MinCoveragePercent) {
		p.telemetry.Counter(constants.MetricCoverageShortfall, 1, map[string]string{"strict": fmt.Sprintf("%t", p.cfg.StrictCoverage)})
		if p.cfg.StrictCoverage {
			return nil, newPipelineError(StageCoverageCheck, KindInsufficientCoverage, nil,
				fmt.Sprintf("覆盖率 %.2f 低于下限 %.2f", pct, p.cfg.MinCoveragePercent))
		}
		meta.InsufficientCoverage = true
		logger.Warn().Float64("coverage", pct).Float64("min", p.cfg.MinCoveragePercent).Msg(ErrInsufficientCoverage.Error())
	}

	p.transition(run, StageComposing)
	markdown, err := p.composer.Compose(ctx, schema, artifacts.Evidence, report, p.cfg)
	if err != nil {
		return nil, err
	}

	return &types.PipelineResult{
		ResumeMarkdown: markdown,
		CoverageReport: report,
		Metadata:       meta,
	}, nil
}

func (p *JDPipeline) loadArtifacts(ctx context.Context, key string, logger zerolog.Logger) (*cachedArtifacts, bool) {
	if !p.cfg.CacheEnabled || p.cache == nil {
		return nil, false
	}
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.telemetry.Counter(constants.MetricCacheError, 1, map[string]string{"op": "get"})
		logger.Warn().Err(err).Str("key", tracing.SafeRedisKey(key)).Msg("读取产物缓存失败，继续处理")
		return nil, false
	}
	if !ok {
		p.telemetry.Counter(constants.MetricCacheMiss, 1, nil)
		return nil, false
	}

	var artifacts cachedArtifacts
	if err := json.Unmarshal(data, &artifacts); err != nil || artifacts.Version != constants.ArtifactsSchemaVersion || artifacts.Schema == nil {
		p.telemetry.Counter(constants.MetricCacheMiss, 1, map[string]string{"reason": "stale"})
		logger.Debug().Err(err).Msg("产物缓存不可用，重新计算")
		return nil, false
	}
	p.telemetry.Counter(constants.MetricCacheHit, 1, nil)
	return &artifacts, true
}

func (p *JDPipeline) storeArtifacts(ctx context.Context, key string, artifacts *cachedArtifacts, logger zerolog.Logger) {
	if !p.cfg.CacheEnabled || p.cache == nil {
		return
	}
	data, err := json.Marshal(artifacts)
	if err != nil {
		logger.Warn().Err(err).Msg("序列化产物缓存失败")
		return
	}
	ttl := time.Duration(p.cfg.CacheTTLSeconds) * time.Second
	if err := p.cache.Set(ctx, key, data, ttl); err != nil {
		p.telemetry.Counter(constants.MetricCacheError, 1, map[string]string{"op": "set"})
		logger.Warn().Err(err).Str("key", tracing.SafeRedisKey(key)).Msg("写入产物缓存失败，继续处理")
	}
}

// deliver 依次投递结果，失败只记录
func (p *JDPipeline) deliver(ctx context.Context, result *types.PipelineResult, logger zerolog.Logger) {
	if len(p.sinks) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		sinkCtx, cancel := context.WithTimeout(base, p.sinkTimeout)
		err := sink.Deliver(sinkCtx, result)
		cancel()
		if err != nil {
			p.telemetry.Counter(constants.MetricSinkError, 1, map[string]string{"sink": sink.Name()})
			logger.Warn().Err(err).Str("sink", sink.Name()).Msg("结果投递失败")
		}
	}
}

// GetMetrics 返回当前配置与模型上限，不访问外部依赖
func (p *JDPipeline) GetMetrics() PipelineMetrics {
	limits := make(map[string]config.ModelLimit, len(p.modelLimits))
	for k, v := range p.modelLimits {
		limits[k] = v
	}
	return PipelineMetrics{
		Config:           p.cfg,
		ModelLimits:      limits,
		ActiveModel:      p.cfg.ModelName,
		ActiveModelLimit: config.LookupModelLimit(p.modelLimits, p.cfg.ModelName),
		UptimeSeconds:    p.now().Sub(p.startedAt).Seconds(),
	}
}

// artifactsCacheKey 按清洗后文本指纹与语料范围区分，不同用户不共享
func artifactsCacheKey(rawHash, userID string) string {
	scope := userID
	if scope == "" {
		scope = constants.GlobalScope
	}
	return fmt.Sprintf(constants.KeyPipelineArtifacts, rawHash, scope)
}

func stageFallbackKind(stage Stage) ErrorKind {
	switch stage {
	case StageRetrieving:
		return KindRetrievalError
	case StageCompressing:
		return KindBudgetExhaustedPartial
	case StageCoverageCheck:
		return KindInsufficientCoverage
	case StageParsing:
		return KindParseFallback
	default:
		return KindCompositionError
	}
}

// newSessionID 格式 jd_<毫秒时间戳>_<9位[a-z0-9]随机串>
func newSessionID(now time.Time) string {
	id := uuid.Must(uuid.NewV4())
	suffix := make([]byte, 0, 9)
	// 跳过版本位与变体位所在字节
	for i := 0; len(suffix) < 9; i++ {
		if i == 6 || i == 8 {
			continue
		}
		suffix = append(suffix, sessionIDAlphabet[int(id[i])%len(sessionIDAlphabet)])
	}
	return fmt.Sprintf("%s%d_%s", constants.SessionIDPrefix, now.UnixMilli(), suffix)
}
