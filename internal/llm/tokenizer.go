package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"resume-agent-go/internal/processor"
)

// DefaultEncoding 计数使用的 BPE 编码
const DefaultEncoding = "cl100k_base"

// TiktokenCounter 基于 tiktoken 的 token 计数器
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 加载编码表，首次加载可能需要下载
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("加载 tiktoken 编码 %s 失败: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count 返回 token 数
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate 保留前 maxTokens 个 token
// 截断点落在多字节字符中间时丢弃残缺字节
func (t *TiktokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	for n := maxTokens; n > 0; n-- {
		out := strings.ToValidUTF8(t.enc.Decode(tokens[:n]), "")
		out = strings.TrimSpace(out)
		if t.Count(out) <= maxTokens {
			return out
		}
	}
	return ""
}

// HeuristicCounter 按词数估算 token，约 4 个 token 对应 3 个词
// 编码表不可用时使用，结果确定
type HeuristicCounter struct{}

// Count ceil(词数 * 4 / 3)
func (HeuristicCounter) Count(text string) int {
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}

// Truncate 保留 floor(3n/4) 个词，再按计数收紧
func (h HeuristicCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if h.Count(text) <= maxTokens {
		return strings.Join(words, " ")
	}
	keep := maxTokens * 3 / 4
	if keep > len(words) {
		keep = len(words)
	}
	out := strings.Join(words[:keep], " ")
	for keep > 0 && h.Count(out) > maxTokens {
		keep--
		out = strings.Join(words[:keep], " ")
	}
	return out
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     processor.TokenCounter
)

// NewTokenCounter 优先使用 tiktoken，加载失败退回 HeuristicCounter
// 返回的 bool 表示是否为精确计数
func NewTokenCounter(encoding string) (processor.TokenCounter, bool) {
	if encoding == "" || encoding == DefaultEncoding {
		defaultCounterOnce.Do(func() {
			if c, err := NewTiktokenCounter(DefaultEncoding); err == nil {
				defaultCounter = c
			}
		})
		if defaultCounter != nil {
			return defaultCounter, true
		}
		return HeuristicCounter{}, false
	}
	if c, err := NewTiktokenCounter(encoding); err == nil {
		return c, true
	}
	return HeuristicCounter{}, false
}

var (
	_ processor.TokenCounter = (*TiktokenCounter)(nil)
	_ processor.TokenCounter = HeuristicCounter{}
)
