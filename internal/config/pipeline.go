package config

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// 合并时分数相同的偏好方法
const (
	TiePreferDense   = "dense"
	TiePreferLexical = "lexical"
)

// PipelineConfig JD -> 简历流水线的全部参数，每个流水线实例持有一份不可变副本
type PipelineConfig struct {
	ModelName   string  `yaml:"model_name" json:"modelName"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// 检索
	TopKAnn            int    `yaml:"top_k_ann" json:"topKAnn" validate:"gte=1,lte=200"`
	TopKLexical        int    `yaml:"top_k_lexical" json:"topKLexical" validate:"gte=1,lte=200"`
	KeepAfterRerank    int    `yaml:"keep_after_rerank" json:"keepAfterRerank" validate:"gte=1,lte=100"`
	MergeTiePreference string `yaml:"merge_tie_preference" json:"mergeTiePreference" validate:"oneof=dense lexical"`

	// 证据预算
	EvidenceTokenBudget   int     `yaml:"evidence_token_budget" json:"evidenceTokenBudget" validate:"gte=0"`
	TokenHeadroom         float64 `yaml:"token_headroom" json:"tokenHeadroom" validate:"gte=0,lte=1"`
	MaxEvidenceItemTokens int     `yaml:"max_evidence_item_tokens" json:"maxEvidenceItemTokens" validate:"gte=1"`
	SummarizeEvidence     bool    `yaml:"summarize_evidence" json:"summarizeEvidence"`

	// 覆盖率
	MinCoveragePercent float64 `yaml:"min_coverage_percent" json:"minCoveragePercent" validate:"gte=0,lte=1"`
	StrictCoverage     bool    `yaml:"strict_coverage" json:"strictCoverage"`

	// 缓存
	CacheEnabled    bool `yaml:"cache_enabled" json:"cacheEnabled"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds" json:"cacheTtlSeconds" validate:"gte=0"`

	// JD 解析
	ParserTemperature     float64 `yaml:"parser_temperature" json:"parserTemperature" validate:"gte=0,lte=2"`
	ParserMaxPromptTokens int     `yaml:"parser_max_prompt_tokens" json:"parserMaxPromptTokens" validate:"gte=1"`
	ParserMaxTokens       int     `yaml:"parser_max_tokens" json:"parserMaxTokens" validate:"gte=1"`

	// 简历生成
	ComposerMaxTokens int `yaml:"composer_max_tokens" json:"composerMaxTokens" validate:"gte=1"`

	// 超时
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"requestTimeoutSeconds" validate:"gte=0"`
	HealthTimeoutSeconds  int `yaml:"health_timeout_seconds" json:"healthTimeoutSeconds" validate:"gte=1"`

	// tiktoken 编码名，为空使用 cl100k_base
	TokenEncoding string `yaml:"token_encoding" json:"tokenEncoding"`

	// 健康检查时校验的向量维度，0 表示不校验
	EmbeddingDimensions int `yaml:"embedding_dimensions" json:"embeddingDimensions" validate:"gte=0"`
}

// ModelLimit 模型上下文窗口与输出上限
type ModelLimit struct {
	ContextWindow   int `yaml:"context_window" json:"contextWindow"`
	MaxOutputTokens int `yaml:"max_output_tokens" json:"maxOutputTokens"`
}

// DefaultPipelineConfig 返回默认流水线参数
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ModelName:             "qwen-plus",
		Temperature:           0.3,
		TopKAnn:               20,
		TopKLexical:           20,
		KeepAfterRerank:       8,
		MergeTiePreference:    TiePreferDense,
		EvidenceTokenBudget:   1200,
		TokenHeadroom:         0.1,
		MaxEvidenceItemTokens: 120,
		MinCoveragePercent:    0.6,
		StrictCoverage:        false,
		CacheEnabled:          true,
		CacheTTLSeconds:       3600,
		ParserTemperature:     0.1,
		ParserMaxPromptTokens: 1500,
		ParserMaxTokens:       800,
		ComposerMaxTokens:     1800,
		RequestTimeoutSeconds: 120,
		HealthTimeoutSeconds:  5,
		TokenEncoding:         "cl100k_base",
		EmbeddingDimensions:   1024,
	}
}

// DefaultModelContextLimits 常用模型的上下文窗口
func DefaultModelContextLimits() map[string]ModelLimit {
	return map[string]ModelLimit{
		"qwen-max":         {ContextWindow: 32768, MaxOutputTokens: 8192},
		"qwen-plus":        {ContextWindow: 131072, MaxOutputTokens: 8192},
		"qwen-turbo":       {ContextWindow: 1000000, MaxOutputTokens: 8192},
		"gemini-2.5-pro":   {ContextWindow: 1048576, MaxOutputTokens: 65536},
		"gemini-2.5-flash": {ContextWindow: 1048576, MaxOutputTokens: 65536},
		"gpt-4o":           {ContextWindow: 128000, MaxOutputTokens: 16384},
		"gpt-4o-mini":      {ContextWindow: 128000, MaxOutputTokens: 16384},
	}
}

// DefaultModelLimit 未登记模型使用的保守上限
var DefaultModelLimit = ModelLimit{ContextWindow: 8192, MaxOutputTokens: 2048}

var pipelineValidator = validator.New()

// Validate 校验参数范围
func (p PipelineConfig) Validate() error {
	if err := pipelineValidator.Struct(p); err != nil {
		return fmt.Errorf("参数校验失败: %w", err)
	}
	return nil
}

// TokenLimit 证据 token 硬上限: floor(budget * (1 + headroom))
func (p PipelineConfig) TokenLimit() int {
	return int(math.Floor(float64(p.EvidenceTokenBudget) * (1 + p.TokenHeadroom)))
}

// LookupModelLimit 按模型名查表，未命中返回 DefaultModelLimit
func LookupModelLimit(limits map[string]ModelLimit, model string) ModelLimit {
	if l, ok := limits[model]; ok {
		return l
	}
	return DefaultModelLimit
}
