package types

import "time"

// Seniority 岗位级别
type Seniority string

const (
	SeniorityJunior   Seniority = "junior"
	SeniorityMid      Seniority = "mid-level"
	SenioritySenior   Seniority = "senior"
	SeniorityStaff    Seniority = "staff"
	SeniorityManager  Seniority = "manager"
	SeniorityDirector Seniority = "director"
	SeniorityUnknown  Seniority = "unknown"
)

// ExtractionSource JD 结构化结果的来源
type ExtractionSource string

const (
	SourceLLM   ExtractionSource = "llm"
	SourceRules ExtractionSource = "rules"
)

// JDSchema 岗位描述的结构化表示
// Domain 与 HardConstraints 为去重排序后的集合，其余列表保持抽取顺序
type JDSchema struct {
	RoleTitle           string           `json:"roleTitle"`
	Seniority           Seniority        `json:"seniority"`
	Domain              []string         `json:"domain"`
	MustHaves           []string         `json:"mustHaves"`
	TopResponsibilities []string         `json:"topResponsibilities"`
	HardConstraints     []string         `json:"hardConstraints"`
	ConciseSummary      string           `json:"conciseSummary"`
	RawHash             string           `json:"rawHash"`
	Source              ExtractionSource `json:"source"`
}

// ChunkMetadata 证据片段的元数据
type ChunkMetadata struct {
	Role      string   `json:"role,omitempty"`
	Company   string   `json:"company,omitempty"`
	Skills    []string `json:"skills,omitempty"`
	DateRange string   `json:"dateRange,omitempty"`
}

// EvidenceChunk 用户职业经历的一个片段，对流水线只读
type EvidenceChunk struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ScoredChunk 检索适配器返回的单条结果
type ScoredChunk struct {
	Chunk EvidenceChunk `json:"chunk"`
	Score float64       `json:"score"`
}

// RetrievalMethod 检索方法
type RetrievalMethod string

const (
	MethodDense   RetrievalMethod = "dense"
	MethodLexical RetrievalMethod = "lexical"
)

// RetrievalCandidate 合并、精排后的候选
type RetrievalCandidate struct {
	Chunk           EvidenceChunk     `json:"chunk"`
	Score           float64           `json:"score"`          // 最终排序分
	RetrievalScore  float64           `json:"retrievalScore"` // 合并后、精排前的分数
	RetrievalMethod RetrievalMethod   `json:"retrievalMethod"`
	Methods         []RetrievalMethod `json:"methods"` // 命中该片段的全部方法
}

// FoundByBoth 两种检索方法都命中
func (c RetrievalCandidate) FoundByBoth() bool {
	return len(c.Methods) > 1
}

// CorpusScope 检索范围
type CorpusScope struct {
	UserID string `json:"userId,omitempty"`
}

// CompressedEvidence 预算内的压缩证据
type CompressedEvidence struct {
	SourceChunkID  string   `json:"sourceChunkId"`
	CompressedText string   `json:"compressedText"`
	TokenCount     int      `json:"tokenCount"`
	Role           string   `json:"role,omitempty"`
	Company        string   `json:"company,omitempty"`
	DateRange      string   `json:"dateRange,omitempty"`
	Skills         []string `json:"skills,omitempty"`
}

// CoverageItem 单条必备要求的覆盖情况
type CoverageItem struct {
	Requirement string   `json:"requirement"`
	Present     bool     `json:"present"`
	EvidenceIDs []string `json:"evidenceIds,omitempty"`
}

// CoverageReport 覆盖报告，按 MustHaves 顺序排列，按请求派生不持久化
type CoverageReport []CoverageItem

// ResultMetadata 流水线结果元数据
type ResultMetadata struct {
	SessionID            string  `json:"sessionId"`
	UserID               string  `json:"userId,omitempty"`
	ProcessingTimeMs     int64   `json:"processingTimeMs"`
	CoveragePercent      float64 `json:"coveragePercent"`
	BudgetUtilization    float64 `json:"budgetUtilization"`
	EvidenceCount        int     `json:"evidenceCount"`
	RawHash              string  `json:"rawHash"`
	CacheHit             bool    `json:"cacheHit"`
	ParseFallback        bool    `json:"parseFallback"`
	BudgetExhausted      bool    `json:"budgetExhausted"`
	InsufficientCoverage bool    `json:"insufficientCoverage"`
}

// PipelineResult ProcessJD 的返回值
type PipelineResult struct {
	ResumeMarkdown string         `json:"resumeMarkdown"`
	CoverageReport CoverageReport `json:"coverageReport"`
	Metadata       ResultMetadata `json:"metadata"`
}

// HealthState 健康状态
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// CheckStatus 单项探测结果
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
)

// HealthCheck 单个适配器的探测结果
type HealthCheck struct {
	Status    CheckStatus `json:"status"`
	Critical  bool        `json:"critical"`
	LatencyMs int64       `json:"latencyMs"`
	Error     string      `json:"error,omitempty"`
}

// HealthStatus GetHealthStatus 的返回值
type HealthStatus struct {
	Status    HealthState            `json:"status"`
	Checks    map[string]HealthCheck `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}
