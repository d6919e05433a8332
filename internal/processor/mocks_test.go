package processor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"resume-agent-go/internal/types"
)

// wordCounter 测试用计数器：一个词一个 token
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordCounter) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if maxTokens <= 0 {
		return ""
	}
	if len(words) <= maxTokens {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxTokens], " ")
}

// mockLLM 按提示词类型返回预设响应
type mockLLM struct {
	mu sync.Mutex

	parseResp   string
	parseErr    error
	composeResp string
	composeErr  error
	summaryResp string
	summaryErr  error
	pingErr     error

	prompts []string
	calls   int32
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (*Completion, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.prompts = append(m.prompts, userPrompt)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(userPrompt, "Extract structured information"):
		if m.parseErr != nil {
			return nil, m.parseErr
		}
		return &Completion{Text: m.parseResp}, nil
	case strings.Contains(userPrompt, "Write a tailored resume"):
		if m.composeErr != nil {
			return nil, m.composeErr
		}
		return &Completion{Text: m.composeResp}, nil
	case strings.Contains(userPrompt, "Rewrite the following evidence"):
		if m.summaryErr != nil {
			return nil, m.summaryErr
		}
		return &Completion{Text: m.summaryResp}, nil
	}
	if m.pingErr != nil {
		return nil, m.pingErr
	}
	return &Completion{Text: "pong"}, nil
}

func (m *mockLLM) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

type mockEmbedder struct {
	dims  int
	err   error
	delay time.Duration
	calls int32
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	dims := m.dims
	if dims == 0 {
		dims = 4
	}
	return make([]float64, dims), nil
}

type mockVectorSearcher struct {
	results []types.ScoredChunk
	err     error
	pingErr error
	calls   int32
	scopes  []types.CorpusScope
	mu      sync.Mutex
}

func (m *mockVectorSearcher) Search(ctx context.Context, vector []float64, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.scopes = append(m.scopes, scope)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if topK < len(m.results) {
		return m.results[:topK], nil
	}
	return m.results, nil
}

// pingableVectorSearcher 实现 Pinger 的向量检索
type pingableVectorSearcher struct {
	mockVectorSearcher
}

func (m *pingableVectorSearcher) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockLexicalSearcher struct {
	results []types.ScoredChunk
	err     error
	calls   int32
}

func (m *mockLexicalSearcher) Search(ctx context.Context, query string, topK int, scope types.CorpusScope) ([]types.ScoredChunk, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return nil, m.err
	}
	if topK < len(m.results) {
		return m.results[:topK], nil
	}
	return m.results, nil
}

type mockReranker struct {
	scores map[string]float64 // 未出现的 ID 不返回
	err    error
	docs   []RerankDocument
}

func (m *mockReranker) Rerank(ctx context.Context, query string, docs []RerankDocument) ([]RerankResult, error) {
	m.docs = docs
	if m.err != nil {
		return nil, m.err
	}
	var out []RerankResult
	for i, d := range docs {
		if s, ok := m.scores[d.ID]; ok {
			out = append(out, RerankResult{Index: i, Score: s})
		}
	}
	return out, nil
}

type memoryCache struct {
	gets   int32
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	keys   []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	atomic.AddInt32(&c.gets, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	c.keys = append(c.keys, key)
	return nil
}

type telemetryEvent struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

// recordingTelemetry 记录全部上报
type recordingTelemetry struct {
	mu     sync.Mutex
	events []telemetryEvent
}

func (r *recordingTelemetry) record(kind, name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, telemetryEvent{kind: kind, name: name, value: value, tags: tags})
}

func (r *recordingTelemetry) Counter(name string, value float64, tags map[string]string) {
	r.record("counter", name, value, tags)
}

func (r *recordingTelemetry) Timer(name string, ms float64, tags map[string]string) {
	r.record("timer", name, ms, tags)
}

func (r *recordingTelemetry) Gauge(name string, value float64, tags map[string]string) {
	r.record("gauge", name, value, tags)
}

func (r *recordingTelemetry) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recordingTelemetry) find(name string) (telemetryEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e, true
		}
	}
	return telemetryEvent{}, false
}

type mockSink struct {
	name      string
	err       error
	delivered []*types.PipelineResult
}

func (s *mockSink) Name() string { return s.name }

func (s *mockSink) Deliver(ctx context.Context, result *types.PipelineResult) error {
	s.delivered = append(s.delivered, result)
	return s.err
}

//
// 测试数据
//

func chunk(id, text, role, company string, skills ...string) types.EvidenceChunk {
	return types.EvidenceChunk{
		ID:   id,
		Text: text,
		Metadata: types.ChunkMetadata{
			Role:      role,
			Company:   company,
			Skills:    skills,
			DateRange: "2020-2023",
		},
	}
}

func scored(c types.EvidenceChunk, score float64) types.ScoredChunk {
	return types.ScoredChunk{Chunk: c, Score: score}
}

var (
	chunkGo = chunk("c1", "Built Go microservices on Kubernetes serving 10k QPS.", "Backend Engineer", "Acme", "Go", "Kubernetes")
	chunkPG = chunk("c2", "Designed PostgreSQL schemas and tuned slow queries by 40%.", "Backend Engineer", "Acme", "PostgreSQL")
	chunkAWS = chunk("c3", "Led the migration of billing to AWS with Terraform.", "Platform Engineer", "Globex", "AWS", "Terraform")
	chunkMentor = chunk("c4", "Mentored four junior engineers through code review.", "Platform Engineer", "Globex")
)

const sampleJD = `Senior Backend Engineer 🚀
We are a fast-paced fintech startup looking for rockstar engineers.
Requirements: Go, Kubernetes, PostgreSQL and AWS
Responsibilities:
- Build and operate payment services
- Mentor engineers
We are an equal opportunity employer.
Apply now!`

const sampleParseResponse = "```json\n" + `{
  "role_title": "Senior Backend Engineer",
  "seniority": "Senior",
  "domain": ["fintech"],
  "must_haves": ["Go", "Kubernetes", "PostgreSQL", "AWS"],
  "top_responsibilities": ["Build and operate payment services", "Mentor engineers"],
  "hard_constraints": [],
  "concise_summary": "Backend role building payment services."
}` + "\n```"

const sampleComposeResponse = `Here is the resume:
{
  "summary": "Backend engineer with Go and cloud experience.",
  "bullets": [
    {"evidence_id": "c1", "text": "Built Go microservices on Kubernetes at 10k QPS"},
    {"evidence_id": "c2", "text": "Cut query latency 40% with PostgreSQL tuning"},
    {"evidence_id": "c3", "text": "Migrated billing to AWS using Terraform"},
    {"evidence_id": "zzz", "text": "Invented the internet"}
  ],
  "skills": ["Go", "Kubernetes", "PostgreSQL", "AWS"]
}`
