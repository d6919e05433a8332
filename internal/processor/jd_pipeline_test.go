package processor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/types"
)

type pipelineFixture struct {
	llm   *mockLLM
	emb   *mockEmbedder
	vec   *pingableVectorSearcher
	lex   *mockLexicalSearcher
	cache *memoryCache
	tele  *recordingTelemetry
	cfg   config.PipelineConfig
}

func newPipelineFixture() *pipelineFixture {
	cfg := config.DefaultPipelineConfig()
	cfg.EmbeddingDimensions = 4
	vec := &pingableVectorSearcher{}
	vec.results = []types.ScoredChunk{scored(chunkGo, 0.92), scored(chunkPG, 0.81), scored(chunkMentor, 0.35)}
	return &pipelineFixture{
		llm:   &mockLLM{parseResp: sampleParseResponse, composeResp: sampleComposeResponse},
		emb:   &mockEmbedder{dims: 4},
		vec:   vec,
		lex:   &mockLexicalSearcher{results: []types.ScoredChunk{scored(chunkAWS, 7.5), scored(chunkPG, 6.1)}},
		cache: newMemoryCache(),
		tele:  &recordingTelemetry{},
		cfg:   cfg,
	}
}

func (f *pipelineFixture) build(t *testing.T, opts ...PipelineOption) *JDPipeline {
	t.Helper()
	base := []PipelineOption{WithCache(f.cache), WithTelemetry(f.tele)}
	p, err := NewJDPipeline(f.cfg, Adapters{
		LLM:      f.llm,
		Embedder: f.emb,
		Vectors:  f.vec,
		Lexical:  f.lex,
		Counter:  wordCounter{},
	}, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

var sessionIDPattern = regexp.MustCompile(`^jd_\d{13}_[a-z0-9]{9}$`)

func TestNewJDPipeline_Validation(t *testing.T) {
	f := newPipelineFixture()
	full := Adapters{LLM: f.llm, Embedder: f.emb, Vectors: f.vec, Lexical: f.lex, Counter: wordCounter{}}

	t.Run("缺少适配器", func(t *testing.T) {
		missing := []func(*Adapters){
			func(a *Adapters) { a.LLM = nil },
			func(a *Adapters) { a.Embedder = nil },
			func(a *Adapters) { a.Vectors = nil },
			func(a *Adapters) { a.Lexical = nil },
			func(a *Adapters) { a.Counter = nil },
		}
		for _, m := range missing {
			a := full
			m(&a)
			_, err := NewJDPipeline(f.cfg, a)
			assert.Error(t, err)
		}
	})

	t.Run("非法配置", func(t *testing.T) {
		cfg := f.cfg
		cfg.MinCoveragePercent = 1.5
		_, err := NewJDPipeline(cfg, full)
		assert.Error(t, err)
	})
}

func TestJDPipeline_HappyPath(t *testing.T) {
	f := newPipelineFixture()
	sink := &mockSink{name: "archive"}
	p := f.build(t, WithSinks(sink))

	res, err := p.ProcessJD(context.Background(), sampleJD, "user-42")

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.GreaterOrEqual(t, res.Metadata.CoveragePercent, 0.8)
	assert.Regexp(t, sessionIDPattern, res.Metadata.SessionID)
	assert.Equal(t, "user-42", res.Metadata.UserID)
	assert.False(t, res.Metadata.CacheHit)
	assert.False(t, res.Metadata.ParseFallback)
	assert.False(t, res.Metadata.InsufficientCoverage)
	assert.Equal(t, 4, res.Metadata.EvidenceCount)
	assert.Greater(t, res.Metadata.BudgetUtilization, 0.0)
	assert.Equal(t, HashCleanedText(CleanJobDescription(sampleJD)), res.Metadata.RawHash)

	// 覆盖报告与必备要求一一对应
	require.Len(t, res.CoverageReport, 4)
	for _, item := range res.CoverageReport {
		assert.True(t, item.Present, item.Requirement)
	}

	// 经历条目带出处标记
	markers := regexp.MustCompile(`(?m)^- .+ <!-- evidence:(c\d) -->$`).FindAllStringSubmatch(res.ResumeMarkdown, -1)
	assert.GreaterOrEqual(t, len(markers), 3)

	assert.Equal(t, 1, f.tele.count(constants.MetricPipelineStart))
	assert.Equal(t, 1, f.tele.count(constants.MetricPipelineSuccess))
	assert.Equal(t, 1, f.tele.count(constants.MetricPipelineTotalMs))
	assert.Equal(t, 1, f.tele.count(constants.MetricCacheMiss))
	assert.Equal(t, 0, f.tele.count(constants.MetricPipelineError))
	g, ok := f.tele.find(constants.MetricBudgetUtilization)
	require.True(t, ok)
	assert.Equal(t, "gauge", g.kind)
	assert.Equal(t, res.Metadata.BudgetUtilization, g.value)

	require.Len(t, sink.delivered, 1)
	assert.Same(t, res, sink.delivered[0])
	assert.Equal(t, []types.CorpusScope{{UserID: "user-42"}}, f.vec.scopes)
}

func TestJDPipeline_CacheRoundTrip(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t)
	ctx := context.Background()

	first, err := p.ProcessJD(ctx, sampleJD, "u1")
	require.NoError(t, err)

	// 只有空白差异的同一份 JD
	second, err := p.ProcessJD(ctx, "  "+strings.ReplaceAll(sampleJD, "\n", "\n\n")+"  ", "u1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.emb.calls)
	assert.Equal(t, int32(1), f.vec.calls)
	assert.Equal(t, int32(1), f.lex.calls)
	assert.True(t, second.Metadata.CacheHit)
	assert.NotEqual(t, first.Metadata.SessionID, second.Metadata.SessionID)
	assert.Equal(t, first.Metadata.RawHash, second.Metadata.RawHash)
	assert.Equal(t, first.CoverageReport, second.CoverageReport)
	assert.Equal(t, first.Metadata.BudgetUtilization, second.Metadata.BudgetUtilization)
	assert.Equal(t, first.Metadata.EvidenceCount, second.Metadata.EvidenceCount)
	assert.Equal(t, 1, f.tele.count(constants.MetricCacheHit))
	assert.Equal(t, 1, f.tele.count(constants.MetricCacheMiss))

	require.Len(t, f.cache.keys, 1)
	assert.Equal(t, fmt.Sprintf("app:pipeline:artifacts:%s:u1", first.Metadata.RawHash), f.cache.keys[0])

	t.Run("不同用户不共享缓存", func(t *testing.T) {
		_, err := p.ProcessJD(ctx, sampleJD, "u2")
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.emb.calls)
	})

	t.Run("关闭缓存", func(t *testing.T) {
		g := newPipelineFixture()
		g.cfg.CacheEnabled = false
		p := g.build(t)
		for i := 0; i < 2; i++ {
			_, err := p.ProcessJD(ctx, sampleJD, "")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(2), g.emb.calls)
		assert.Equal(t, int32(0), g.cache.gets)
	})
}

func TestJDPipeline_CacheErrorsIgnored(t *testing.T) {
	f := newPipelineFixture()
	f.cache.getErr = errors.New("redis: connection refused")
	f.cache.setErr = errors.New("redis: connection refused")
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	assert.NotEmpty(t, res.ResumeMarkdown)
	assert.Equal(t, 2, f.tele.count(constants.MetricCacheError))
}

func TestJDPipeline_StaleCacheEntry(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t)
	key := artifactsCacheKey(HashCleanedText(CleanJobDescription(sampleJD)), "")
	f.cache.data[key] = []byte(`{"version": 0, "schema": {"roleTitle": "old"}}`)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	assert.False(t, res.Metadata.CacheHit)
	assert.Equal(t, int32(1), f.emb.calls)
}

func TestJDPipeline_StrictCoverage(t *testing.T) {
	f := newPipelineFixture()
	f.cfg.StrictCoverage = true
	f.cfg.MinCoveragePercent = 0.6
	f.llm.parseResp = `{"role_title": "Compiler Engineer", "seniority": "senior", "must_haves": ["Rust", "LLVM", "Go"]}`
	var transitions []Stage
	p := f.build(t, WithStageHook(func(tr StageTransition) { transitions = append(transitions, tr.To) }))

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientCoverage)
	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientCoverage, pe.Kind)
	assert.Equal(t, StageCoverageCheck, pe.Stage)
	assert.True(t, pe.UserActionable())
	assert.Regexp(t, sessionIDPattern, pe.SessionID)

	assert.Equal(t, 0, f.tele.count(constants.MetricPipelineSuccess))
	ev, ok := f.tele.find(constants.MetricPipelineError)
	require.True(t, ok)
	assert.Equal(t, string(KindInsufficientCoverage), ev.tags["error_kind"])
	assert.Equal(t, string(StageCoverageCheck), ev.tags["stage"])
	assert.NotContains(t, f.llm.lastPrompt(), "Write a tailored resume", "严格模式下不生成简历")
	assert.Equal(t, StageFailed, transitions[len(transitions)-1])
}

func TestJDPipeline_StrictCoverageHighThreshold(t *testing.T) {
	f := newPipelineFixture()
	f.cfg.StrictCoverage = true
	f.cfg.MinCoveragePercent = 0.95
	// 证据覆盖 Go、Kubernetes、PostgreSQL、AWS，GraphQL 无证据
	f.llm.parseResp = `{"role_title": "Senior Backend Engineer", "seniority": "senior", "must_haves": ["Go", "Kubernetes", "PostgreSQL", "AWS", "GraphQL"]}`
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInsufficientCoverage)
	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, StageCoverageCheck, pe.Stage)
	assert.Contains(t, pe.Error(), "0.95")
	assert.Equal(t, 0, f.tele.count(constants.MetricPipelineSuccess))
	assert.Equal(t, 1, f.tele.count(constants.MetricCoverageShortfall))
	assert.NotContains(t, f.llm.lastPrompt(), "Write a tailored resume")
}

func TestJDPipeline_LenientCoverage(t *testing.T) {
	f := newPipelineFixture()
	f.llm.parseResp = `{"role_title": "Compiler Engineer", "seniority": "senior", "must_haves": ["Rust", "LLVM", "Go"]}`
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	assert.True(t, res.Metadata.InsufficientCoverage)
	assert.InDelta(t, 1.0/3.0, res.Metadata.CoveragePercent, 1e-9)
	assert.NotEmpty(t, res.ResumeMarkdown)
	assert.Equal(t, 1, f.tele.count(constants.MetricCoverageShortfall))
	assert.Equal(t, 1, f.tele.count(constants.MetricPipelineSuccess))
}

func TestJDPipeline_TightBudget(t *testing.T) {
	f := newPipelineFixture()
	f.cfg.EvidenceTokenBudget = 100
	f.cfg.TokenHeadroom = 0.05
	var long []types.ScoredChunk
	for i := 0; i < 5; i++ {
		c := chunk(fmt.Sprintf("long%d", i), words(fmt.Sprintf("t%d_", i), 40), "Engineer", "Acme", "Go")
		long = append(long, scored(c, 1-float64(i)*0.1))
	}
	f.vec.results = long
	f.lex.results = nil
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Metadata.BudgetExhausted)
	assert.Less(t, res.Metadata.EvidenceCount, 5)
	assert.Greater(t, res.Metadata.EvidenceCount, 0)
	assert.LessOrEqual(t, res.Metadata.BudgetUtilization, 1.05)
	assert.Equal(t, 1, f.tele.count(constants.MetricBudgetExhausted))
	assert.Equal(t, res.Metadata.EvidenceCount, strings.Count(res.ResumeMarkdown, "<!-- evidence:"))
}

func TestJDPipeline_ServiceOutage(t *testing.T) {
	f := newPipelineFixture()
	f.emb.err = errors.New("embedding service unavailable")
	var transitions []Stage
	p := f.build(t, WithStageHook(func(tr StageTransition) { transitions = append(transitions, tr.To) }))

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, KindRetrievalError, pe.Kind)
	assert.True(t, pe.Retryable())
	assert.False(t, pe.UserActionable())
	assert.Contains(t, err.Error(), "embedding service unavailable")

	ev, ok := f.tele.find(constants.MetricPipelineError)
	require.True(t, ok)
	assert.Equal(t, string(KindRetrievalError), ev.tags["error_kind"])
	assert.Equal(t, string(StageRetrieving), ev.tags["stage"])
	assert.Equal(t, 0, f.tele.count(constants.MetricPipelineSuccess))
	assert.Equal(t, []Stage{StageParsing, StageRetrieving, StageFailed}, transitions)
	assert.Empty(t, f.cache.keys, "失败的运行不写缓存")
}

func TestJDPipeline_CompositionError(t *testing.T) {
	f := newPipelineFixture()
	f.llm.composeErr = errors.New("model overloaded")
	p := f.build(t)

	_, err := p.ProcessJD(context.Background(), sampleJD, "")

	assert.ErrorIs(t, err, ErrCompositionFailed)
	pe, _ := AsPipelineError(err)
	assert.Equal(t, StageComposing, pe.Stage)
}

func TestJDPipeline_EmptyCompositionFails(t *testing.T) {
	f := newPipelineFixture()
	f.llm.composeResp = ""
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCompositionFailed)
	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, StageComposing, pe.Stage)
	assert.Equal(t, 0, f.tele.count(constants.MetricPipelineSuccess))
	assert.Empty(t, f.cache.keys, "失败的运行不写缓存")
}

func TestJDPipeline_ParseFallbackIsNotFatal(t *testing.T) {
	f := newPipelineFixture()
	f.llm.parseErr = errors.New("rate limited")
	p := f.build(t)

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	assert.True(t, res.Metadata.ParseFallback)
	assert.Equal(t, 1, f.tele.count(constants.MetricParserLLMFallback))
	assert.Equal(t, 1, f.tele.count(constants.MetricPipelineSuccess))
}

func TestJDPipeline_Timeout(t *testing.T) {
	f := newPipelineFixture()
	f.emb.delay = time.Second
	p := f.build(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.ProcessJD(ctx, sampleJD, "")

	assert.ErrorIs(t, err, ErrPipelineTimeout)
	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.Equal(t, StageRetrieving, pe.Stage)
}

func TestJDPipeline_StageHook(t *testing.T) {
	f := newPipelineFixture()
	var mu sync.Mutex
	var got []StageTransition
	p := f.build(t, WithStageHook(func(tr StageTransition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	}))

	res, err := p.ProcessJD(context.Background(), sampleJD, "")
	require.NoError(t, err)

	var stages []Stage
	for _, tr := range got {
		stages = append(stages, tr.To)
		assert.Equal(t, res.Metadata.SessionID, tr.SessionID)
	}
	assert.Equal(t, []Stage{StageParsing, StageRetrieving, StageCompressing, StageCoverageCheck, StageComposing, StageDone}, stages)
	assert.Equal(t, StageIdle, got[0].From)

	got = nil
	_, err = p.ProcessJD(context.Background(), sampleJD, "")
	require.NoError(t, err)
	stages = stages[:0]
	for _, tr := range got {
		stages = append(stages, tr.To)
	}
	assert.Equal(t, []Stage{StageCoverageCheck, StageComposing, StageDone}, stages, "命中缓存跳过解析、检索与压缩")
}

func TestJDPipeline_SinkFailureIsNonFatal(t *testing.T) {
	f := newPipelineFixture()
	broken := &mockSink{name: "minio", err: errors.New("bucket missing")}
	ok := &mockSink{name: "rabbitmq"}
	p := f.build(t, WithSinks(broken, ok))

	res, err := p.ProcessJD(context.Background(), sampleJD, "")

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, broken.delivered, 1)
	assert.Len(t, ok.delivered, 1)
	ev, found := f.tele.find(constants.MetricSinkError)
	require.True(t, found)
	assert.Equal(t, "minio", ev.tags["sink"])
}

func TestJDPipeline_Concurrent(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.ProcessJD(context.Background(), sampleJD, fmt.Sprintf("user-%d", i%2))
			errs[i] = err
			if res != nil {
				ids[i] = res.Metadata.SessionID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range ids {
		require.NoError(t, errs[i])
		assert.False(t, seen[ids[i]], "会话ID重复")
		seen[ids[i]] = true
	}
}

func TestJDPipeline_GetMetrics(t *testing.T) {
	f := newPipelineFixture()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	p := f.build(t, WithClock(func() time.Time { return clock }))
	clock = now.Add(90 * time.Second)

	m := p.GetMetrics()

	assert.Equal(t, f.cfg, m.Config)
	assert.Equal(t, "qwen-plus", m.ActiveModel)
	assert.Equal(t, 131072, m.ActiveModelLimit.ContextWindow)
	assert.Equal(t, 90.0, m.UptimeSeconds)

	m.ModelLimits["qwen-plus"] = config.ModelLimit{}
	assert.Equal(t, 131072, p.GetMetrics().ModelLimits["qwen-plus"].ContextWindow, "返回副本")

	t.Run("未登记模型", func(t *testing.T) {
		g := newPipelineFixture()
		g.cfg.ModelName = "my-local-model"
		assert.Equal(t, config.DefaultModelLimit, g.build(t).GetMetrics().ActiveModelLimit)
	})
}

func TestNewSessionID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := newSessionID(at)
		assert.Regexp(t, sessionIDPattern, id)
		assert.True(t, strings.HasPrefix(id, "jd_1700000000123_"))
		assert.False(t, seen[id])
		seen[id] = true
	}
}
