package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/tracing"
	"resume-agent-go/internal/types"
)

var qdrantTracer = otel.Tracer("resume-agent-go/storage/qdrant")

// EvidencePointNamespace 证据片段 point ID 的命名空间
// 同一用户的同一 chunk 总是得到同一个 point ID
var EvidencePointNamespace = uuid.Must(uuid.FromString("fd6c72c2-5a33-4b53-8e7c-8298f3f5a7e1"))

// 证据 payload 字段
const (
	PayloadChunkID   = "chunk_id"
	PayloadText      = "text"
	PayloadRole      = "role"
	PayloadCompany   = "company"
	PayloadSkills    = "skills"
	PayloadDateRange = "date_range"
	PayloadUserID    = "user_id"
)

// Qdrant 通过 REST 接口访问证据向量集合
type Qdrant struct {
	endpoint       string
	collectionName string
	vectorSize     int
	distanceMetric string
	apiKey         string
	httpClient     *http.Client
	ensure         bool
	logger         zerolog.Logger
}

// QdrantOption 定义Qdrant构造函数选项
type QdrantOption func(*Qdrant)

// WithDistanceMetric 设置距离度量
func WithDistanceMetric(metric string) QdrantOption {
	return func(q *Qdrant) {
		q.distanceMetric = metric
	}
}

// WithHttpTimeout 设置HTTP客户端超时
func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithoutEnsureCollection 构造时不检查集合
func WithoutEnsureCollection() QdrantOption {
	return func(q *Qdrant) {
		q.ensure = false
	}
}

// NewQdrant 创建Qdrant客户端，默认确保集合存在
func NewQdrant(cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	q := &Qdrant{
		endpoint:       cfg.Endpoint,
		collectionName: cfg.Collection,
		vectorSize:     cfg.Dimension,
		distanceMetric: "Cosine",
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		ensure:         true,
		logger:         logger.Component("qdrant"),
	}
	if q.endpoint == "" {
		q.endpoint = "http://localhost:6333"
	}
	if q.collectionName == "" {
		q.collectionName = "evidence_chunks"
	}
	if q.vectorSize <= 0 {
		q.vectorSize = 1024
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.ensure {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.ensureCollectionExists(ctx); err != nil {
			return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", q.collectionName, err)
		}
	}

	q.logger.Info().
		Str("endpoint", q.endpoint).
		Str("collection", q.collectionName).
		Int("dimension", q.vectorSize).
		Msg("Qdrant 客户端就绪")
	return q, nil
}

// Collection 集合名称
func (q *Qdrant) Collection() string {
	return q.collectionName
}

type collectionInfo struct {
	Result struct {
		PointsCount int64 `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// ensureCollectionExists 集合不存在时创建，配置不一致只告警
func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.EnsureCollectionExists",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	info, status, err := q.getCollection(ctx)
	if status == http.StatusNotFound {
		span.AddEvent("collection_not_found")
		q.logger.Info().Str("collection", q.collectionName).Msg("集合不存在，将创建新集合")
		return q.createCollection(ctx)
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return err
	}

	existing := info.Result.Config.Params.Vectors
	if existing.Size != q.vectorSize || existing.Distance != q.distanceMetric {
		q.logger.Warn().
			Int("existing_size", existing.Size).
			Str("existing_distance", existing.Distance).
			Int("expected_size", q.vectorSize).
			Str("expected_distance", q.distanceMetric).
			Msg("现有集合配置与当前配置不匹配")
		span.AddEvent("collection_config_mismatch")
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (q *Qdrant) getCollection(ctx context.Context) (*collectionInfo, int, error) {
	var info collectionInfo
	status, err := q.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", q.collectionName), nil, &info)
	if err != nil {
		return nil, status, err
	}
	return &info, status, nil
}

// createCollection 创建集合并为 user_id 建 keyword 索引
func (q *Qdrant) createCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CreateCollection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.collection", q.collectionName),
			attribute.Int("db.vector_size", q.vectorSize),
			attribute.String("db.vector.distance", q.distanceMetric),
		))
	defer span.End()

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
	}
	if _, err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", q.collectionName), body, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("创建集合失败: %w", err)
	}

	index := map[string]interface{}{
		"field_name":   PayloadUserID,
		"field_schema": "keyword",
	}
	if _, err := q.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/index?wait=true", q.collectionName), index, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("创建 %s 索引失败: %w", PayloadUserID, err)
	}

	q.logger.Info().Str("collection", q.collectionName).Int("dimension", q.vectorSize).Msg("已创建Qdrant集合")
	return nil
}

// EvidencePointID 计算证据片段的确定性 point ID
func EvidencePointID(userID, chunkID string) string {
	return uuid.NewV5(EvidencePointNamespace, userID+"/"+chunkID).String()
}

// UpsertEvidence 写入证据向量，供测试数据与运维脚本使用
func (q *Qdrant) UpsertEvidence(ctx context.Context, userID string, chunks []types.EvidenceChunk, vectors [][]float64) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.UpsertEvidence",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.collection", q.collectionName),
			attribute.Int("points.count", len(chunks)),
		))
	defer span.End()

	if len(chunks) != len(vectors) {
		err := fmt.Errorf("片段数量(%d)与向量数量(%d)不一致", len(chunks), len(vectors))
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]map[string]interface{}, 0, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != q.vectorSize {
			err := fmt.Errorf("片段 %s 的向量维度(%d)与配置维度(%d)不匹配", c.ID, len(vectors[i]), q.vectorSize)
			tracing.RecordError(span, err, tracing.ErrorTypeValidation)
			return err
		}
		points = append(points, map[string]interface{}{
			"id":     EvidencePointID(userID, c.ID),
			"vector": vectors[i],
			"payload": map[string]interface{}{
				PayloadChunkID:   c.ID,
				PayloadText:      c.Text,
				PayloadRole:      c.Metadata.Role,
				PayloadCompany:   c.Metadata.Company,
				PayloadSkills:    c.Metadata.Skills,
				PayloadDateRange: c.Metadata.DateRange,
				PayloadUserID:    userID,
			},
		})
	}

	_, err := q.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", q.collectionName),
		map[string]interface{}{"points": points}, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("写入证据向量失败: %w", err)
	}
	return nil
}

type searchResponse struct {
	Result []struct {
		ID      interface{}            `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// Search 稠密检索，scope.UserID 非空时只检索该用户的证据
func (q *Qdrant) Search(ctx context.Context, vector []float64, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Search",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "qdrant"),
			attribute.String("db.operation", "search_vectors"),
			attribute.String("db.collection", q.collectionName),
			attribute.Int("search.limit", topK),
			attribute.Bool("search.user_scoped", scope.UserID != ""),
		))
	defer span.End()

	if len(vector) != q.vectorSize {
		err := fmt.Errorf("查询向量维度(%d)与配置维度(%d)不匹配", len(vector), q.vectorSize)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	req := map[string]interface{}{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if scope.UserID != "" {
		req["filter"] = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": PayloadUserID, "match": map[string]interface{}{"value": scope.UserID}},
			},
		}
	}

	var resp searchResponse
	if _, err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", q.collectionName), req, &resp); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("qdrant 检索失败: %w", err)
	}

	results := make([]types.ScoredChunk, 0, len(resp.Result))
	for _, point := range resp.Result {
		chunk := chunkFromPayload(point.Payload)
		if chunk.ID == "" {
			chunk.ID = fmt.Sprint(point.ID)
		}
		results = append(results, types.ScoredChunk{Chunk: chunk, Score: point.Score})
	}

	span.SetAttributes(
		attribute.Int("search.results.count", len(results)),
		attribute.Float64("qdrant.response_time", resp.Time),
	)
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// Ping 读取集合信息并校验向量维度
func (q *Qdrant) Ping(ctx context.Context) error {
	info, _, err := q.getCollection(ctx)
	if err != nil {
		return fmt.Errorf("qdrant 不可用: %w", err)
	}
	if size := info.Result.Config.Params.Vectors.Size; size != 0 && size != q.vectorSize {
		return fmt.Errorf("集合 %s 维度为 %d, 期望 %d", q.collectionName, size, q.vectorSize)
	}
	return nil
}

// CountPoints 获取集合中的点数量
func (q *Qdrant) CountPoints(ctx context.Context) (int64, error) {
	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	_, err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/count", q.collectionName),
		map[string]interface{}{"exact": true}, &result)
	if err != nil {
		return 0, err
	}
	return result.Result.Count, nil
}

func chunkFromPayload(p map[string]interface{}) types.EvidenceChunk {
	str := func(key string) string {
		if v, ok := p[key].(string); ok {
			return v
		}
		return ""
	}
	var skills []string
	if raw, ok := p[PayloadSkills].([]interface{}); ok {
		for _, s := range raw {
			if v, ok := s.(string); ok && v != "" {
				skills = append(skills, v)
			}
		}
	}
	return types.EvidenceChunk{
		ID:   str(PayloadChunkID),
		Text: str(PayloadText),
		Metadata: types.ChunkMetadata{
			Role:      str(PayloadRole),
			Company:   str(PayloadCompany),
			Skills:    skills,
			DateRange: str(PayloadDateRange),
		},
	}
}

// doRequest 发送请求并解析 JSON 响应，返回 HTTP 状态码
func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", path),
	)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return 0, err
		}
		reader = bytes.NewReader(payload)
		span.SetAttributes(attribute.Int("http.request.body.size", len(payload)))
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return 0, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), 512))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return resp.StatusCode, err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return resp.StatusCode, err
		}
	}

	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, nil
}

var (
	_ processor.VectorSearcher = (*Qdrant)(nil)
	_ processor.Pinger         = (*Qdrant)(nil)
)
