package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino/components/embedding"

	"resume-agent-go/internal/types"
)

// 单次向量化请求的最大文本数
const seedEmbedBatch = 10

type vectorWriter interface {
	UpsertEvidence(ctx context.Context, userID string, chunks []types.EvidenceChunk, vectors [][]float64) error
}

type lexicalWriter interface {
	UpsertEvidence(ctx context.Context, userID string, chunks []types.EvidenceChunk) error
}

// loadEvidenceFile 读取 JSON 数组格式的经历片段，同 ID 以后出现者为准
func loadEvidenceFile(path string) ([]types.EvidenceChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	var raw []types.EvidenceChunk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}

	index := make(map[string]int, len(raw))
	chunks := make([]types.EvidenceChunk, 0, len(raw))
	for i, c := range raw {
		c.ID = strings.TrimSpace(c.ID)
		c.Text = strings.TrimSpace(c.Text)
		if c.ID == "" || c.Text == "" {
			return nil, fmt.Errorf("第 %d 个片段缺少 id 或 text", i+1)
		}
		if pos, ok := index[c.ID]; ok {
			chunks[pos] = c
			continue
		}
		index[c.ID] = len(chunks)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// seedEvidence 向量化并写入向量库与关键词索引，返回写入数量
func seedEvidence(ctx context.Context, path, userID string, embedder embedding.Embedder, vectors vectorWriter, lexical any) (int, error) {
	chunks, err := loadEvidenceFile(path)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	for start := 0; start < len(chunks); start += seedEmbedBatch {
		end := min(start+seedEmbedBatch, len(chunks))
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return start, fmt.Errorf("向量化第 %d-%d 个片段失败: %w", start+1, end, err)
		}
		if len(vecs) != len(batch) {
			return start, fmt.Errorf("向量数量不匹配: 期望 %d, 实际 %d", len(batch), len(vecs))
		}
		if err := vectors.UpsertEvidence(ctx, userID, batch, vecs); err != nil {
			return start, fmt.Errorf("写入向量库失败: %w", err)
		}
	}

	if w, ok := lexical.(lexicalWriter); ok {
		if err := w.UpsertEvidence(ctx, userID, chunks); err != nil {
			return len(chunks), fmt.Errorf("写入关键词索引失败: %w", err)
		}
	}
	return len(chunks), nil
}
