package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"resume-agent-go/internal/tracing"
)

const (
	defaultQwenURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultQwenModel = "qwen-plus"
)

var llmTracer = otel.Tracer("resume-agent-go/llm")

// APIError 模型服务返回的非 200 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API调用失败, 状态码: %d, 响应: %s", e.StatusCode, e.Message)
}

// QwenChatModel 通义千问 OpenAI 兼容接口，实现 eino model.BaseChatModel
type QwenChatModel struct {
	apiKey     string
	modelName  string
	baseURL    string
	httpClient *http.Client
}

// QwenOption 千问模型配置项
type QwenOption func(*QwenChatModel)

// WithQwenBaseURL 覆盖接口地址
func WithQwenBaseURL(url string) QwenOption {
	return func(m *QwenChatModel) {
		if url != "" {
			m.baseURL = url
		}
	}
}

// WithQwenHTTPClient 自定义 HTTP 客户端
func WithQwenHTTPClient(c *http.Client) QwenOption {
	return func(m *QwenChatModel) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// NewQwenChatModel 创建千问聊天模型
func NewQwenChatModel(apiKey, modelName string, opts ...QwenOption) (*QwenChatModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}
	if modelName == "" {
		modelName = defaultQwenModel
	}
	m := &QwenChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		baseURL:    defaultQwenURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Model 当前模型名
func (m *QwenChatModel) Model() string {
	return m.modelName
}

type qwenMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type qwenRequest struct {
	Model       string        `json:"model"`
	Messages    []qwenMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type qwenResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Generate 发送一次补全请求
func (m *QwenChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Model: &m.modelName}, opts...)

	ctx, span := llmTracer.Start(ctx, "Qwen.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", *options.Model),
			attribute.Int("llm.messages", len(input)),
		))
	defer span.End()

	reqBody := qwenRequest{
		Model:       *options.Model,
		Messages:    make([]qwenMessage, 0, len(input)),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		TopP:        options.TopP,
		Stop:        options.Stop,
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		reqBody.Messages = append(reqBody.Messages, qwenMessage{Role: string(msg.Role), Content: msg.Content})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: tracing.TruncateString(string(body), 512)}
		tracing.RecordHTTPError(span, apiErr, resp.StatusCode)
		return nil, apiErr
	}

	var parsed qwenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		err := fmt.Errorf("API返回错误: 类型=%s, 消息='%s', Code=%s", parsed.Error.Type, parsed.Error.Message, parsed.Error.Code)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("API响应中没有选项")
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", parsed.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", parsed.Usage.CompletionTokens),
	)

	out := schema.AssistantMessage(parsed.Choices[0].Message.Content, nil)
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: &schema.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	return out, nil
}

// Stream 以单帧流返回完整补全
func (m *QwenChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

var _ model.BaseChatModel = (*QwenChatModel)(nil)
