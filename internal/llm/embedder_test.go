package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-agent-go/internal/config"
)

func newEmbeddingServer(t *testing.T, status int, body string, captured *embeddingRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(raw, captured)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAliyunEmbedder_EmbedStrings(t *testing.T) {
	t.Run("按 index 排列输出", func(t *testing.T) {
		var req embeddingRequest
		server := newEmbeddingServer(t, http.StatusOK, `{
			"data":[{"embedding":[0.3,0.4],"index":1},{"embedding":[0.1,0.2],"index":0}],
			"model":"text-embedding-v3","usage":{"prompt_tokens":4,"total_tokens":4}
		}`, &req)

		e, err := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: server.URL, Dimensions: 2})
		require.NoError(t, err)

		vectors, err := e.EmbedStrings(context.Background(), []string{"a", "b"})

		require.NoError(t, err)
		assert.Equal(t, [][]float64{{0.1, 0.2}, {0.3, 0.4}}, vectors)
		assert.Equal(t, "text-embedding-v3", req.Model)
		assert.Equal(t, 2, req.Dimensions)
		assert.Equal(t, "float", req.EncodingFormat)
	})

	t.Run("单条输入以字符串发送", func(t *testing.T) {
		var req embeddingRequest
		server := newEmbeddingServer(t, http.StatusOK, `{"data":[{"embedding":[1],"index":0}]}`, &req)
		e, _ := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: server.URL})

		_, err := e.EmbedStrings(context.Background(), []string{"only"})

		require.NoError(t, err)
		assert.Equal(t, "only", req.Input)
	})

	t.Run("空输入不发请求", func(t *testing.T) {
		e, _ := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: "http://127.0.0.1:1"})
		vectors, err := e.EmbedStrings(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, vectors)
	})

	t.Run("非200携带错误详情", func(t *testing.T) {
		server := newEmbeddingServer(t, http.StatusBadRequest, `{"error":{"message":"batch too large","type":"invalid_request_error","code":"InvalidParameter"}}`, nil)
		e, _ := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: server.URL})

		_, err := e.EmbedStrings(context.Background(), []string{"a"})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Contains(t, apiErr.Message, "batch too large")
	})

	t.Run("数量不匹配", func(t *testing.T) {
		server := newEmbeddingServer(t, http.StatusOK, `{"data":[{"embedding":[1],"index":0}]}`, nil)
		e, _ := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: server.URL})

		_, err := e.EmbedStrings(context.Background(), []string{"a", "b"})
		assert.ErrorContains(t, err, "数量不匹配")
	})

	t.Run("缺少密钥", func(t *testing.T) {
		_, err := NewAliyunEmbedder("", config.EmbeddingConfig{})
		assert.Error(t, err)
	})
}

func TestEmbedderAdapter_Embed(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.5,0.5],"index":0}]}`))
	}))
	defer server.Close()

	e, _ := NewAliyunEmbedder("sk", config.EmbeddingConfig{BaseURL: server.URL})
	adapter := NewEmbedderAdapter(e, NewTokenBucket(0, 0).WithRetryPolicy(time.Millisecond, 1))

	vector, err := adapter.Embed(context.Background(), "query")

	require.NoError(t, err)
	assert.Len(t, vector, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "503 后重试一次")
}
