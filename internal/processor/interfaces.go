package processor

import (
	"context"
	"time"

	"resume-agent-go/internal/types"
)

//
// 外部适配器接口
//

// Usage LLM token 用量
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Completion LLM 单次补全结果
type Completion struct {
	Text  string
	Usage Usage
}

// LLMClient 文本补全接口
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (*Completion, error)
}

// Embedder 单条文本向量化接口
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorSearcher 稠密向量检索接口
type VectorSearcher interface {
	Search(ctx context.Context, vector []float64, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error)
}

// LexicalSearcher 关键词检索接口
type LexicalSearcher interface {
	Search(ctx context.Context, query string, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error)
}

// RerankDocument 送入精排的文档
type RerankDocument struct {
	ID   string
	Text string
}

// RerankResult 精排结果，Index 指向输入文档下标
type RerankResult struct {
	Index int
	Score float64
}

// Reranker 精排接口，返回的结果可以是输入的子集
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []RerankDocument) ([]RerankResult, error)
}

// Cache 产物缓存，实现方需保证并发安全，同键后写覆盖前写
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Telemetry 指标上报
type Telemetry interface {
	Counter(name string, value float64, tags map[string]string)
	Timer(name string, ms float64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
}

// TokenCounter token 计数与按 token 截断
// 实现需保证 Count(Truncate(text, n)) <= n
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// RequirementMatcher 判断一条要求是否被某条证据覆盖
type RequirementMatcher interface {
	Matches(requirement string, evidence types.CompressedEvidence) bool
}

// ResultSink 成功结果的下游投递，失败不影响结果
type ResultSink interface {
	Name() string
	Deliver(ctx context.Context, result *types.PipelineResult) error
}

// Pinger 支持轻量连通性探测的适配器
type Pinger interface {
	Ping(ctx context.Context) error
}

// noopTelemetry 未配置遥测时使用
type noopTelemetry struct{}

func (noopTelemetry) Counter(string, float64, map[string]string) {}
func (noopTelemetry) Timer(string, float64, map[string]string)   {}
func (noopTelemetry) Gauge(string, float64, map[string]string)   {}
