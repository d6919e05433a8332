package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"resume-agent-go/internal/tracing"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiChatModel Google Gemini 聊天模型，实现 eino model.BaseChatModel
type GeminiChatModel struct {
	client    *genai.Client
	modelName string
}

// NewGeminiChatModel 创建 Gemini 模型，baseURL 为空时使用官方地址
func NewGeminiChatModel(ctx context.Context, apiKey, modelName, baseURL string) (*GeminiChatModel, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key 不能为空")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 genai 客户端失败: %w", err)
	}

	if modelName = strings.TrimSpace(modelName); modelName == "" {
		modelName = defaultGeminiModel
	}
	return &GeminiChatModel{client: client, modelName: modelName}, nil
}

// Model 当前模型名
func (g *GeminiChatModel) Model() string {
	return g.modelName
}

// Generate system 消息进入 SystemInstruction，其余按顺序拼为用户内容
func (g *GeminiChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Model: &g.modelName}, opts...)

	ctx, span := llmTracer.Start(ctx, "Gemini.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.model", *options.Model)))
	defer span.End()

	contents, config := buildGeminiRequest(input, options)
	if len(contents) == 0 {
		return nil, errors.New("prompt 不能为空")
	}

	resp, err := g.client.Models.GenerateContent(ctx, *options.Model, contents, config)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text := geminiResponseText(resp)
	if text == "" {
		err := errors.New("gemini 返回空响应")
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	out := schema.AssistantMessage(text, nil)
	if usage := resp.UsageMetadata; usage != nil {
		out.ResponseMeta = &schema.ResponseMeta{
			Usage: &schema.TokenUsage{
				PromptTokens:     int(usage.PromptTokenCount),
				CompletionTokens: int(usage.CandidatesTokenCount),
				TotalTokens:      int(usage.TotalTokenCount),
			},
		}
	}
	return out, nil
}

// Stream 以单帧流返回完整补全
func (g *GeminiChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func buildGeminiRequest(input []*schema.Message, options *model.Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		Temperature:   options.Temperature,
		TopP:          options.TopP,
		StopSequences: options.Stop,
	}
	if options.MaxTokens != nil {
		config.MaxOutputTokens = int32(*options.MaxTokens)
	}

	var (
		system []string
		user   []string
	)
	for _, msg := range input {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if msg.Role == schema.System {
			system = append(system, msg.Content)
			continue
		}
		user = append(user, msg.Content)
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if len(user) == 0 {
		return nil, config
	}
	return genai.Text(strings.Join(user, "\n\n")), config
}

func geminiResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
		// 只取第一个有内容的候选
		if builder.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(builder.String())
}

var _ model.BaseChatModel = (*GeminiChatModel)(nil)
