package storage

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/types"
)

// BM25 参数
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var bm25TokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:[+#.'’][\p{L}\p{N}+#]*)*`)

var bm25Stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "for", "to", "of", "in", "on", "at", "by", "with",
		"as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those", "from", "into",
		"about", "than", "so", "such", "can", "will", "should", "we", "you", "our", "your",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// tokenizeTerms 小写分词并去停用词，保留 c++、c#、node.js 这类技术词
func tokenizeTerms(text string) []string {
	raw := bm25TokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		t = strings.TrimRight(t, ".'’")
		if t == "" {
			continue
		}
		if _, stop := bm25Stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

type bm25Doc struct {
	userID string
	chunk  types.EvidenceChunk
	tf     map[string]int
	length int
}

// BM25Index 内存关键词索引，未配置 MySQL 时作为关键词检索后端
type BM25Index struct {
	mu     sync.RWMutex
	docs   map[string]*bm25Doc // key: userID + "\x00" + chunkID
	df     map[string]int
	totLen int
}

// NewBM25Index 创建空索引
func NewBM25Index() *BM25Index {
	return &BM25Index{
		docs: make(map[string]*bm25Doc),
		df:   make(map[string]int),
	}
}

func bm25Key(userID, chunkID string) string {
	return userID + "\x00" + chunkID
}

// Add 写入或替换证据片段
func (idx *BM25Index) Add(userID string, chunks ...types.EvidenceChunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, c := range chunks {
		key := bm25Key(userID, c.ID)
		if old, ok := idx.docs[key]; ok {
			idx.removeLocked(key, old)
		}
		text := c.Text
		if len(c.Metadata.Skills) > 0 {
			text += " " + strings.Join(c.Metadata.Skills, " ")
		}
		terms := tokenizeTerms(text)
		doc := &bm25Doc{userID: userID, chunk: c, tf: make(map[string]int), length: len(terms)}
		for _, t := range terms {
			doc.tf[t]++
		}
		for t := range doc.tf {
			idx.df[t]++
		}
		idx.docs[key] = doc
		idx.totLen += doc.length
	}
}

func (idx *BM25Index) removeLocked(key string, doc *bm25Doc) {
	for t := range doc.tf {
		if idx.df[t]--; idx.df[t] <= 0 {
			delete(idx.df, t)
		}
	}
	idx.totLen -= doc.length
	delete(idx.docs, key)
}

// Len 索引中的片段数
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// UpsertEvidence 与 MySQL 写入接口一致
func (idx *BM25Index) UpsertEvidence(_ context.Context, userID string, chunks []types.EvidenceChunk) error {
	idx.Add(userID, chunks...)
	return nil
}

// Search 计算 BM25 分数，只返回分数大于 0 的片段
func (idx *BM25Index) Search(ctx context.Context, query string, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenizeTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := float64(len(idx.docs))
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(idx.totLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	uniq := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		uniq[t] = struct{}{}
	}

	var out []types.ScoredChunk
	for _, doc := range idx.docs {
		if scope.UserID != "" && doc.userID != scope.UserID {
			continue
		}
		score := 0.0
		for t := range uniq {
			f := float64(doc.tf[t])
			if f == 0 {
				continue
			}
			df := float64(idx.df[t])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen))
		}
		if score > 0 {
			out = append(out, types.ScoredChunk{Chunk: doc.chunk, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

var _ processor.LexicalSearcher = (*BM25Index)(nil)
