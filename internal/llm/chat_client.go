package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
)

// ChatClient 把 eino 聊天模型适配为流水线的 LLMClient，调用前经过令牌桶限流
type ChatClient struct {
	model   model.BaseChatModel
	name    string
	limiter *TokenBucket
	timeout time.Duration
	logger  zerolog.Logger
}

// ChatClientOption ChatClient 配置项
type ChatClientOption func(*ChatClient)

// WithRateLimit 按 QPM 限流并设置重试策略，qpm<=0 表示不限流
func WithRateLimit(qpm int, retryWait time.Duration, maxRetries int) ChatClientOption {
	return func(c *ChatClient) {
		c.limiter = NewTokenBucket(qpm, qpm/2).WithRetryPolicy(retryWait, maxRetries)
	}
}

// WithCallTimeout 单次调用超时，0 表示只受调用方 ctx 控制
func WithCallTimeout(d time.Duration) ChatClientOption {
	return func(c *ChatClient) {
		c.timeout = d
	}
}

// WithChatLogger 设置日志
func WithChatLogger(l zerolog.Logger) ChatClientOption {
	return func(c *ChatClient) {
		c.logger = l
	}
}

// NewChatClient 创建 LLMClient，name 仅用于日志
func NewChatClient(m model.BaseChatModel, name string, opts ...ChatClientOption) (*ChatClient, error) {
	if m == nil {
		return nil, errors.New("聊天模型不能为空")
	}
	c := &ChatClient{
		model:   m,
		name:    name,
		limiter: NewTokenBucket(0, 0).WithRetryPolicy(time.Second, 2),
		logger:  logger.Component("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ErrEmptyCompletion 模型返回了空白内容
var ErrEmptyCompletion = errors.New("模型返回空内容")

// Complete 单轮补全，systemPrompt 为空时只发用户消息
func (c *ChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (*processor.Completion, error) {
	if strings.TrimSpace(userPrompt) == "" {
		return nil, errors.New("userPrompt 不能为空")
	}

	messages := make([]*schema.Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(systemPrompt))
	}
	messages = append(messages, schema.UserMessage(userPrompt))

	opts := []model.Option{model.WithTemperature(float32(temperature))}
	if maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(maxTokens))
	}

	var (
		resp     *schema.Message
		attempts int
	)
	start := time.Now()
	err := c.limiter.RetryWithBackoff(ctx, func() error {
		attempts++
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		var genErr error
		resp, genErr = c.model.Generate(callCtx, messages, opts...)
		return genErr
	})
	if err != nil {
		c.logger.Warn().Err(err).
			Str("model", c.name).
			Int("attempts", attempts).
			Msg("LLM 调用失败")
		return nil, fmt.Errorf("LLM 调用失败(%s): %w", c.name, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		c.logger.Warn().Str("model", c.name).Int("attempts", attempts).Msg("LLM 返回空内容")
		return nil, fmt.Errorf("LLM 调用失败(%s): %w", c.name, ErrEmptyCompletion)
	}

	completion := &processor.Completion{Text: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		completion.Usage = processor.Usage{
			PromptTokens:     resp.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: resp.ResponseMeta.Usage.CompletionTokens,
		}
	}

	c.logger.Debug().
		Str("model", c.name).
		Int("attempts", attempts).
		Int("prompt_tokens", completion.Usage.PromptTokens).
		Int("completion_tokens", completion.Usage.CompletionTokens).
		Dur("latency", time.Since(start)).
		Msg("LLM 调用完成")
	return completion, nil
}

// Ping 发送最小请求确认模型可用，不经过重试
func (c *ChatClient) Ping(ctx context.Context) error {
	_, err := c.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")},
		model.WithMaxTokens(1), model.WithTemperature(0))
	if err != nil {
		return fmt.Errorf("LLM 探测失败(%s): %w", c.name, err)
	}
	return nil
}

var (
	_ processor.LLMClient = (*ChatClient)(nil)
	_ processor.Pinger    = (*ChatClient)(nil)
)
