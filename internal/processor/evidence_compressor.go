package processor

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/types"
)

const evidenceSummarySystemPrompt = "You condense career evidence into one factual resume-ready statement. Keep numbers, tools and outcomes. Never add facts."

// CompressionResult 预算分配结果
type CompressionResult struct {
	Evidence          []types.CompressedEvidence
	TotalTokens       int
	BudgetUtilization float64
	Exhausted         bool // 预算不足，有候选被丢弃或被截断
	Dropped           int
}

// EvidenceCompressor 在 token 预算内压缩并挑选证据
type EvidenceCompressor struct {
	counter   TokenCounter
	llm       LLMClient
	telemetry Telemetry
	logger    zerolog.Logger
}

// CompressorOption 压缩器选项
type CompressorOption func(*EvidenceCompressor)

// WithCompressorLLM 开启 SummarizeEvidence 时用于摘要
func WithCompressorLLM(llm LLMClient) CompressorOption {
	return func(c *EvidenceCompressor) {
		c.llm = llm
	}
}

// WithCompressorTelemetry 设置指标上报
func WithCompressorTelemetry(t Telemetry) CompressorOption {
	return func(c *EvidenceCompressor) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithCompressorLogger 设置日志
func WithCompressorLogger(logger zerolog.Logger) CompressorOption {
	return func(c *EvidenceCompressor) {
		c.logger = logger
	}
}

// NewEvidenceCompressor 创建证据压缩器
func NewEvidenceCompressor(counter TokenCounter, opts ...CompressorOption) *EvidenceCompressor {
	c := &EvidenceCompressor{
		counter:   counter,
		telemetry: noopTelemetry{},
		logger:    log.With().Str("component", "evidence_compressor").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress 按排名依次压缩并纳入证据，总 token 数不超过 cfg.TokenLimit()
// 第一个放不下的候选处停止；连首个候选都放不下时截断首个候选
func (c *EvidenceCompressor) Compress(ctx context.Context, candidates []types.RetrievalCandidate, cfg config.PipelineConfig) (*CompressionResult, error) {
	ctx, span := processorTracer.Start(ctx, "EvidenceCompressor.Compress")
	defer span.End()

	limit := cfg.TokenLimit()
	result := &CompressionResult{Evidence: make([]types.CompressedEvidence, 0, len(candidates))}

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, classifyStageError(StageCompressing, KindTimeout, err)
		}

		text := c.compressOne(ctx, cand.Chunk.Text, cfg)
		tokens := c.counter.Count(text)

		if result.TotalTokens+tokens > limit {
			if i == 0 {
				text = c.counter.Truncate(text, limit)
				tokens = c.counter.Count(text)
				if tokens > 0 && tokens <= limit {
					result.Evidence = append(result.Evidence, newCompressedEvidence(cand.Chunk, text, tokens))
					result.TotalTokens += tokens
				} else {
					result.Dropped++
				}
				result.Dropped += len(candidates) - 1
			} else {
				result.Dropped += len(candidates) - i
			}
			result.Exhausted = true
			break
		}

		result.Evidence = append(result.Evidence, newCompressedEvidence(cand.Chunk, text, tokens))
		result.TotalTokens += tokens
	}

	if cfg.EvidenceTokenBudget > 0 {
		result.BudgetUtilization = float64(result.TotalTokens) / float64(cfg.EvidenceTokenBudget)
	}

	if result.Exhausted {
		c.telemetry.Counter(constants.MetricBudgetExhausted, 1, map[string]string{
			"partial": fmt.Sprintf("%t", len(result.Evidence) <= 1),
		})
		c.logger.Warn().
			Int("limit", limit).
			Int("admitted", len(result.Evidence)).
			Int("dropped", result.Dropped).
			Msg("证据预算不足，仅保留部分证据")
	}

	span.SetAttributes(
		attribute.Int("compressor.limit", limit),
		attribute.Int("compressor.total_tokens", result.TotalTokens),
		attribute.Int("compressor.admitted", len(result.Evidence)),
		attribute.Bool("compressor.exhausted", result.Exhausted),
	)
	return result, nil
}

func newCompressedEvidence(chunk types.EvidenceChunk, text string, tokens int) types.CompressedEvidence {
	return types.CompressedEvidence{
		SourceChunkID:  chunk.ID,
		CompressedText: text,
		TokenCount:     tokens,
		Role:           chunk.Metadata.Role,
		Company:        chunk.Metadata.Company,
		DateRange:      chunk.Metadata.DateRange,
		Skills:         append([]string(nil), chunk.Metadata.Skills...),
	}
}

// compressOne 单条证据压缩到 MaxEvidenceItemTokens 以内
func (c *EvidenceCompressor) compressOne(ctx context.Context, text string, cfg config.PipelineConfig) string {
	text = strings.Join(strings.Fields(text), " ")
	maxTokens := cfg.MaxEvidenceItemTokens
	if maxTokens <= 0 || c.counter.Count(text) <= maxTokens {
		return text
	}

	if cfg.SummarizeEvidence && c.llm != nil {
		summary, err := c.summarize(ctx, text, maxTokens, cfg.Temperature)
		if err == nil {
			return summary
		}
		c.logger.Debug().Err(err).Msg("证据摘要失败，改用抽取式压缩")
	}
	return c.extract(text, maxTokens)
}

func (c *EvidenceCompressor) summarize(ctx context.Context, text string, maxTokens int, temperature float64) (string, error) {
	prompt := fmt.Sprintf("Rewrite the following evidence in at most %d tokens as a single statement.\n\nEvidence:\n%s", maxTokens, text)
	resp, err := c.llm.Complete(ctx, evidenceSummarySystemPrompt, prompt, maxTokens, temperature)
	if err != nil {
		return "", fmt.Errorf("证据摘要调用失败: %w", err)
	}
	summary := strings.Join(strings.Fields(resp.Text), " ")
	if summary == "" {
		return "", fmt.Errorf("证据摘要为空")
	}
	if c.counter.Count(summary) > maxTokens {
		return "", fmt.Errorf("证据摘要超出上限 %d", maxTokens)
	}
	return summary, nil
}

// extract 按原顺序挑选放得下的句子；首句本身超长时硬截断
func (c *EvidenceCompressor) extract(text string, maxTokens int) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	if c.counter.Count(sentences[0]) > maxTokens {
		return c.counter.Truncate(sentences[0], maxTokens)
	}

	selected := []string{sentences[0]}
	for _, s := range sentences[1:] {
		candidate := strings.Join(append(selected, s), " ")
		if c.counter.Count(candidate) <= maxTokens {
			selected = append(selected, s)
		}
	}
	return strings.Join(selected, " ")
}

// splitSentences 在句末标点后接空白处断句
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '。' && r != '！' && r != '？' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) && r != '。' && r != '！' && r != '？' {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
