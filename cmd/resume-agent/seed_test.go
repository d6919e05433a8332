package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-agent-go/internal/storage"
	"resume-agent-go/internal/types"
)

type fakeEmbedder struct {
	calls [][]string
	err   error
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{float64(i), 1}
	}
	return out, nil
}

type fakeVectorWriter struct {
	userID string
	chunks []types.EvidenceChunk
}

func (f *fakeVectorWriter) UpsertEvidence(_ context.Context, userID string, chunks []types.EvidenceChunk, vectors [][]float64) error {
	f.userID = userID
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func writeEvidence(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEvidenceFile(t *testing.T) {
	t.Run("重复ID以后者为准", func(t *testing.T) {
		path := writeEvidence(t, `[
			{"id":"a","text":"Go 服务"},
			{"id":"b","text":"Kafka 管道"},
			{"id":"a","text":" Go 微服务 ","metadata":{"skills":["go"]}}
		]`)
		chunks, err := loadEvidenceFile(path)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "Go 微服务", chunks[0].Text)
		assert.Equal(t, []string{"go"}, chunks[0].Metadata.Skills)
	})

	t.Run("缺少文本报错", func(t *testing.T) {
		_, err := loadEvidenceFile(writeEvidence(t, `[{"id":"a","text":"  "}]`))
		assert.ErrorContains(t, err, "第 1 个片段")
	})

	t.Run("非法JSON", func(t *testing.T) {
		_, err := loadEvidenceFile(writeEvidence(t, `{`))
		assert.ErrorContains(t, err, "解析JSON失败")
	})
}

func TestSeedEvidence(t *testing.T) {
	content := `[`
	for i := 0; i < 12; i++ {
		if i > 0 {
			content += ","
		}
		content += `{"id":"c` + string(rune('a'+i)) + `","text":"Go and Kubernetes work"}`
	}
	content += `]`
	path := writeEvidence(t, content)

	t.Run("分批向量化并写入内存索引", func(t *testing.T) {
		emb := &fakeEmbedder{}
		vec := &fakeVectorWriter{}
		idx := storage.NewBM25Index()

		n, err := seedEvidence(context.Background(), path, "u1", emb, vec, idx)
		require.NoError(t, err)
		assert.Equal(t, 12, n)
		require.Len(t, emb.calls, 2)
		assert.Len(t, emb.calls[0], 10)
		assert.Len(t, emb.calls[1], 2)
		assert.Len(t, vec.chunks, 12)
		assert.Equal(t, "u1", vec.userID)
		assert.Equal(t, 12, idx.Len())
	})

	t.Run("向量化失败中止", func(t *testing.T) {
		vec := &fakeVectorWriter{}
		_, err := seedEvidence(context.Background(), path, "", &fakeEmbedder{err: errors.New("quota")}, vec, nil)
		assert.ErrorContains(t, err, "quota")
		assert.Empty(t, vec.chunks)
	})
}
