package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/tracing"
)

const (
	defaultEmbeddingURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"
	defaultEmbeddingModel = "text-embedding-v3"
)

// AliyunEmbedder 阿里云 DashScope OpenAI 兼容向量化接口，实现 eino embedding.Embedder
type AliyunEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	httpClient *http.Client
	logger     zerolog.Logger
}

// EmbedderOption AliyunEmbedder 配置项
type EmbedderOption func(*AliyunEmbedder)

// WithEmbedderHTTPClient 自定义 HTTP 客户端
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(a *AliyunEmbedder) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithEmbedderLogger 设置日志
func WithEmbedderLogger(l zerolog.Logger) EmbedderOption {
	return func(a *AliyunEmbedder) {
		a.logger = l
	}
}

// NewAliyunEmbedder 创建向量化客户端，未配置的字段使用默认值
func NewAliyunEmbedder(apiKey string, cfg config.EmbeddingConfig, opts ...EmbedderOption) (*AliyunEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("API密钥不能为空")
	}
	a := &AliyunEmbedder{
		apiKey:     apiKey,
		model:      cfg.Model,
		baseURL:    cfg.BaseURL,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Component("embedder"),
	}
	if a.model == "" {
		a.model = defaultEmbeddingModel
	}
	if a.baseURL == "" {
		a.baseURL = defaultEmbeddingURL
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Dimensions 配置的向量维度，0 表示使用模型默认
func (a *AliyunEmbedder) Dimensions() int {
	return a.dimensions
}

type embeddingRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model"`
	Dimensions     int         `json:"dimensions,omitempty"`
	EncodingFormat string      `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	ID    string          `json:"id"`
	Error *embeddingError `json:"error,omitempty"`
}

type embeddingError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// EmbedStrings 批量向量化，输出顺序与输入一致
func (a *AliyunEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	options := embedding.GetCommonOptions(&embedding.Options{Model: &a.model}, opts...)
	effectiveModel := a.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	ctx, span := llmTracer.Start(ctx, "AliyunEmbedder.EmbedStrings",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("embedding.model", effectiveModel),
			attribute.Int("embedding.texts", len(texts)),
			attribute.Int("embedding.dimensions", a.dimensions),
		))
	defer span.End()

	var input interface{} = texts
	if len(texts) == 1 {
		input = texts[0]
	}
	payload, err := json.Marshal(embeddingRequest{
		Input:          input,
		Model:          effectiveModel,
		Dimensions:     a.dimensions,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var wrapped struct {
			Error *embeddingError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
			err = &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("类型: %s, 错误: %s, Code: %s", wrapped.Error.Type, wrapped.Error.Message, wrapped.Error.Code)}
		} else {
			err = &APIError{StatusCode: resp.StatusCode, Message: tracing.TruncateString(string(body), 512)}
		}
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		a.logger.Warn().Err(err).Int("texts", len(texts)).Msg("向量化接口调用失败")
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		err := fmt.Errorf("API返回错误: 类型=%s, 消息='%s', Code=%s", parsed.Error.Type, parsed.Error.Message, parsed.Error.Code)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		err := fmt.Errorf("向量数量不匹配: 输入 %d 条, 返回 %d 条", len(texts), len(parsed.Data))
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	out := make([][]float64, len(texts))
	for i, entry := range parsed.Data {
		idx := entry.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		out[idx] = entry.Embedding
	}

	a.logger.Debug().
		Int("texts", len(texts)).
		Int("dim", len(out[0])).
		Int("prompt_tokens", parsed.Usage.PromptTokens).
		Msg("向量化完成")
	return out, nil
}

var _ embedding.Embedder = (*AliyunEmbedder)(nil)

// EmbedderAdapter 把 eino Embedder 适配为流水线的单条 Embedder
type EmbedderAdapter struct {
	embedder embedding.Embedder
	limiter  *TokenBucket
}

// NewEmbedderAdapter 创建适配器，limiter 为 nil 时不限流
func NewEmbedderAdapter(e embedding.Embedder, limiter *TokenBucket) *EmbedderAdapter {
	if limiter == nil {
		limiter = NewTokenBucket(0, 0).WithRetryPolicy(500*time.Millisecond, 1)
	}
	return &EmbedderAdapter{embedder: e, limiter: limiter}
}

// Embed 单条文本向量化
func (a *EmbedderAdapter) Embed(ctx context.Context, text string) ([]float64, error) {
	var vectors [][]float64
	err := a.limiter.RetryWithBackoff(ctx, func() error {
		var embedErr error
		vectors, embedErr = a.embedder.EmbedStrings(ctx, []string{text})
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("向量化失败: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("向量化返回空结果")
	}
	return vectors[0], nil
}

var _ processor.Embedder = (*EmbedderAdapter)(nil)
