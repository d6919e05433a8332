package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/tracing"
	"resume-agent-go/internal/types"
)

var processorTracer = otel.Tracer("resume-agent-go/processor")

// HybridRetriever 稠密 + 关键词混合检索，合并去重后精排
type HybridRetriever struct {
	embedder  Embedder
	vectors   VectorSearcher
	lexical   LexicalSearcher
	reranker  Reranker
	telemetry Telemetry
	logger    zerolog.Logger
}

// RetrieverOption 检索器选项
type RetrieverOption func(*HybridRetriever)

// WithRetrieverReranker 设置精排器，为 nil 时按合并分排序
func WithRetrieverReranker(r Reranker) RetrieverOption {
	return func(h *HybridRetriever) {
		h.reranker = r
	}
}

// WithRetrieverTelemetry 设置指标上报
func WithRetrieverTelemetry(t Telemetry) RetrieverOption {
	return func(h *HybridRetriever) {
		if t != nil {
			h.telemetry = t
		}
	}
}

// WithRetrieverLogger 设置日志
func WithRetrieverLogger(logger zerolog.Logger) RetrieverOption {
	return func(h *HybridRetriever) {
		h.logger = logger
	}
}

// NewHybridRetriever 创建混合检索器
func NewHybridRetriever(embedder Embedder, vectors VectorSearcher, lexical LexicalSearcher, opts ...RetrieverOption) *HybridRetriever {
	h := &HybridRetriever{
		embedder:  embedder,
		vectors:   vectors,
		lexical:   lexical,
		telemetry: noopTelemetry{},
		logger:    log.With().Str("component", "hybrid_retriever").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// BuildRetrievalQuery 检索查询文本：岗位名 + 必备要求 + 主要职责
func BuildRetrievalQuery(schema *types.JDSchema) string {
	if schema == nil {
		return ""
	}
	parts := make([]string, 0, 1+len(schema.MustHaves)+len(schema.TopResponsibilities))
	if t := strings.TrimSpace(schema.RoleTitle); t != "" {
		parts = append(parts, t)
	}
	for _, group := range [][]string{schema.MustHaves, schema.TopResponsibilities} {
		for _, s := range group {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

// Retrieve 返回至多 KeepAfterRerank 个候选，片段 ID 不重复
func (h *HybridRetriever) Retrieve(ctx context.Context, schema *types.JDSchema, scope types.CorpusScope, cfg config.PipelineConfig) ([]types.RetrievalCandidate, error) {
	query := BuildRetrievalQuery(schema)
	if query == "" {
		return []types.RetrievalCandidate{}, nil
	}

	ctx, span := processorTracer.Start(ctx, "HybridRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("retriever.top_k_ann", cfg.TopKAnn),
		attribute.Int("retriever.top_k_lexical", cfg.TopKLexical),
		attribute.String("retriever.query", tracing.SafeJDText(query)),
	)

	start := time.Now()
	defer func() {
		h.telemetry.Timer(constants.MetricRetrieverDuration, float64(time.Since(start).Milliseconds()), nil)
	}()

	var dense, lexical []types.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := h.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("查询向量化失败: %w", err)
		}
		res, err := h.vectors.Search(gctx, vec, cfg.TopKAnn, scope)
		if err != nil {
			return fmt.Errorf("向量检索失败: %w", err)
		}
		dense = res
		return nil
	})
	g.Go(func() error {
		res, err := h.lexical.Search(gctx, query, cfg.TopKLexical, scope)
		if err != nil {
			return fmt.Errorf("关键词检索失败: %w", err)
		}
		lexical = res
		return nil
	})
	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, classifyStageError(StageRetrieving, KindRetrievalError, err)
	}

	merged := MergeCandidates(dense, lexical, cfg.MergeTiePreference)
	span.SetAttributes(
		attribute.Int("retriever.dense_hits", len(dense)),
		attribute.Int("retriever.lexical_hits", len(lexical)),
		attribute.Int("retriever.merged", len(merged)),
	)

	ranked := h.rerank(ctx, query, merged)
	if cfg.KeepAfterRerank >= 0 && len(ranked) > cfg.KeepAfterRerank {
		ranked = ranked[:cfg.KeepAfterRerank]
	}

	h.logger.Debug().
		Int("dense", len(dense)).
		Int("lexical", len(lexical)).
		Int("merged", len(merged)).
		Int("kept", len(ranked)).
		Msg("混合检索完成")
	return ranked, nil
}

// rerank 精排失败或未配置时按合并分排序
func (h *HybridRetriever) rerank(ctx context.Context, query string, merged []types.RetrievalCandidate) []types.RetrievalCandidate {
	if len(merged) == 0 {
		return merged
	}
	if h.reranker == nil {
		h.telemetry.Counter(constants.MetricRerankFallback, 1, map[string]string{"reason": "disabled"})
		return merged
	}

	docs := make([]RerankDocument, len(merged))
	for i, c := range merged {
		docs[i] = RerankDocument{ID: c.Chunk.ID, Text: c.Chunk.Text}
	}

	results, err := h.reranker.Rerank(ctx, query, docs)
	if err != nil || len(results) == 0 {
		reason := "empty"
		if err != nil {
			reason = "error"
			h.logger.Warn().Err(err).Msg("精排失败，使用合并分排序")
		}
		h.telemetry.Counter(constants.MetricRerankFallback, 1, map[string]string{"reason": reason})
		return merged
	}

	seen := make(map[int]bool, len(results))
	out := make([]types.RetrievalCandidate, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(merged) || seen[r.Index] {
			continue
		}
		seen[r.Index] = true
		c := merged[r.Index]
		c.Score = r.Score
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// MergeCandidates 按片段 ID 合并两路结果
// 每路分数先按最大值归一化到 [0,1]，同一片段取较高分，相等时按 tiePreference 决定来源
func MergeCandidates(dense, lexical []types.ScoredChunk, tiePreference string) []types.RetrievalCandidate {
	byID := make(map[string]*types.RetrievalCandidate, len(dense)+len(lexical))
	var order []string

	add := func(hits []types.ScoredChunk, method types.RetrievalMethod) {
		for i, hit := range normalizeScores(hits) {
			id := hits[i].Chunk.ID
			existing, ok := byID[id]
			if !ok {
				byID[id] = &types.RetrievalCandidate{
					Chunk:           hits[i].Chunk,
					Score:           hit,
					RetrievalScore:  hit,
					RetrievalMethod: method,
					Methods:         []types.RetrievalMethod{method},
				}
				order = append(order, id)
				continue
			}
			if !containsMethod(existing.Methods, method) {
				existing.Methods = append(existing.Methods, method)
			}
			if hit > existing.Score || (hit == existing.Score && string(method) == tiePreference) {
				existing.Score = hit
				existing.RetrievalScore = hit
				existing.RetrievalMethod = method
			}
		}
	}
	add(dense, types.MethodDense)
	add(lexical, types.MethodLexical)

	out := make([]types.RetrievalCandidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sortCandidates(out)
	return out
}

func normalizeScores(hits []types.ScoredChunk) []float64 {
	maxScore := 0.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	out := make([]float64, len(hits))
	if maxScore <= 0 {
		return out
	}
	for i, h := range hits {
		s := h.Score / maxScore
		if s < 0 {
			s = 0
		}
		out[i] = s
	}
	return out
}

func containsMethod(methods []types.RetrievalMethod, m types.RetrievalMethod) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}

// sortCandidates 分数降序，同分按片段 ID 升序
func sortCandidates(c []types.RetrievalCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].Chunk.ID < c[j].Chunk.ID
	})
}
