package rerank

import (
	"context"
	"strings"
	"unicode"

	"resume-agent-go/internal/processor"
)

const (
	positionWeight = 0.5
	overlapWeight  = 0.5
)

var overlapStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "are": true, "was": true,
	"been": true, "being": true, "have": true, "has": true, "had": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "they": true, "what": true, "which": true, "who": true,
	"when": true, "where": true, "why": true, "how": true, "our": true, "your": true,
}

// OverlapReranker 无外部依赖的精排：输入顺序先验与查询词覆盖率各占一半
type OverlapReranker struct{}

// NewOverlapReranker 创建词覆盖精排器
func NewOverlapReranker() *OverlapReranker {
	return &OverlapReranker{}
}

// Rerank 为每个输入文档打分，输入按合并分降序时位置先验为 1 - i/n
func (r *OverlapReranker) Rerank(ctx context.Context, query string, docs []processor.RerankDocument) ([]processor.RerankResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	queryTerms := overlapTerms(query)
	n := float64(len(docs))
	out := make([]processor.RerankResult, len(docs))
	for i, d := range docs {
		prior := 1 - float64(i)/n
		out[i] = processor.RerankResult{
			Index: i,
			Score: positionWeight*prior + overlapWeight*termOverlap(queryTerms, overlapTerms(d.Text)),
		}
	}
	return out, nil
}

func overlapTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || overlapStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// termOverlap 查询中不重复词出现在文档里的比例
func termOverlap(queryTerms, docTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docTerms))
	for _, t := range docTerms {
		docSet[t] = true
	}
	uniq := make(map[string]bool, len(queryTerms))
	matched := 0
	for _, t := range queryTerms {
		if uniq[t] {
			continue
		}
		uniq[t] = true
		if docSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(uniq))
}

var _ processor.Reranker = (*OverlapReranker)(nil)
