package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQwenChatModel_Generate(t *testing.T) {
	var got qwenRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"你好"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
		}`))
	}))
	defer server.Close()

	m, err := NewQwenChatModel("sk-test", "", WithQwenBaseURL(server.URL))
	require.NoError(t, err)
	assert.Equal(t, "qwen-plus", m.Model())

	msg, err := m.Generate(context.Background(),
		[]*schema.Message{schema.SystemMessage("sys"), schema.UserMessage("hi")},
		model.WithTemperature(0.1), model.WithMaxTokens(64))

	require.NoError(t, err)
	assert.Equal(t, "你好", msg.Content)
	require.NotNil(t, msg.ResponseMeta)
	assert.Equal(t, 12, msg.ResponseMeta.Usage.PromptTokens)
	assert.Equal(t, 3, msg.ResponseMeta.Usage.CompletionTokens)
	assert.Equal(t, "stop", msg.ResponseMeta.FinishReason)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "qwen-plus", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.1, *got.Temperature, 1e-6)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 64, *got.MaxTokens)
}

func TestQwenChatModel_Errors(t *testing.T) {
	t.Run("缺少密钥", func(t *testing.T) {
		_, err := NewQwenChatModel("", "qwen-max")
		assert.Error(t, err)
	})

	t.Run("非200返回APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Requests rate limit exceeded"}}`))
		}))
		defer server.Close()

		m, _ := NewQwenChatModel("sk", "qwen-max", WithQwenBaseURL(server.URL))
		_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
		assert.True(t, isRetryableError(context.Background(), err))
	})

	t.Run("空选项", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		m, _ := NewQwenChatModel("sk", "qwen-max", WithQwenBaseURL(server.URL))
		_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
		assert.ErrorContains(t, err, "没有选项")
	})
}

func TestQwenChatModel_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	m, _ := NewQwenChatModel("sk", "", WithQwenBaseURL(server.URL))
	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	defer sr.Close()

	msg, err := sr.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	_, err = sr.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
