package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/tracing"
)

var rerankTracer = otel.Tracer("resume-agent-go/rerank")

type rerankDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankRequest struct {
	Query     string           `json:"query"`
	Documents []rerankDocument `json:"documents"`
}

type rerankedDocument struct {
	ID          string  `json:"id"`
	RerankScore float64 `json:"rerank_score"`
}

// HTTPReranker 调用外部 cross-encoder 精排服务
// 请求 {query, documents:[{id,text}]}，响应 [{id, rerank_score}]
type HTTPReranker struct {
	url        string
	httpClient *http.Client
}

// HTTPOption 配置项
type HTTPOption func(*HTTPReranker)

// WithHTTPClient 替换默认 HTTP 客户端
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPReranker) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// NewHTTPReranker 创建精排客户端，timeout<=0 时默认 15s
func NewHTTPReranker(url string, timeout time.Duration, opts ...HTTPOption) (*HTTPReranker, error) {
	if url == "" {
		return nil, fmt.Errorf("Reranker URL 不能为空")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r := &HTTPReranker{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Rerank 返回结果按服务给出的 id 映射回输入下标，未知 id 丢弃
func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []processor.RerankDocument) ([]processor.RerankResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	ctx, span := rerankTracer.Start(ctx, "HTTPReranker.Rerank", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("rerank.documents", len(docs)))

	index := make(map[string]int, len(docs))
	payload := rerankRequest{Query: query, Documents: make([]rerankDocument, 0, len(docs))}
	for i, d := range docs {
		if _, dup := index[d.ID]; dup {
			continue
		}
		index[d.ID] = i
		payload.Documents = append(payload.Documents, rerankDocument{ID: d.ID, Text: d.Text})
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化rerank请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(reqBody))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, fmt.Errorf("创建rerank HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, fmt.Errorf("执行rerank请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("Reranker服务返回非200状态码: %d, 响应: %s", resp.StatusCode, tracing.TruncateString(string(body), 256))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return nil, err
	}

	var reranked []rerankedDocument
	if err := json.NewDecoder(resp.Body).Decode(&reranked); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		return nil, fmt.Errorf("解码rerank响应失败: %w", err)
	}

	out := make([]processor.RerankResult, 0, len(reranked))
	for _, d := range reranked {
		i, ok := index[d.ID]
		if !ok {
			continue
		}
		out = append(out, processor.RerankResult{Index: i, Score: d.RerankScore})
	}
	span.SetAttributes(attribute.Int("rerank.results", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

var _ processor.Reranker = (*HTTPReranker)(nil)
