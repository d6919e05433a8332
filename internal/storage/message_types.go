package storage

import (
	"time"

	"resume-agent-go/internal/types"
)

// ResumeComposedMessage 简历生成完成事件，不含简历正文
type ResumeComposedMessage struct {
	SessionID            string    `json:"session_id"`
	UserID               string    `json:"user_id,omitempty"`
	RawHash              string    `json:"raw_hash"`
	CoveragePercent      float64   `json:"coverage_percent"`
	BudgetUtilization    float64   `json:"budget_utilization"`
	EvidenceCount        int       `json:"evidence_count"`
	MissingRequirements  []string  `json:"missing_requirements,omitempty"`
	CacheHit             bool      `json:"cache_hit"`
	InsufficientCoverage bool      `json:"insufficient_coverage"`
	ProcessingTimeMs     int64     `json:"processing_time_ms"`
	ArchiveObject        string    `json:"archive_object"`
	ComposedAt           time.Time `json:"composed_at"`
}

// NewResumeComposedMessage 由流水线结果构造事件
func NewResumeComposedMessage(result *types.PipelineResult, at time.Time) ResumeComposedMessage {
	meta := result.Metadata
	var missing []string
	for _, item := range result.CoverageReport {
		if !item.Present {
			missing = append(missing, item.Requirement)
		}
	}
	return ResumeComposedMessage{
		SessionID:            meta.SessionID,
		UserID:               meta.UserID,
		RawHash:              meta.RawHash,
		CoveragePercent:      meta.CoveragePercent,
		BudgetUtilization:    meta.BudgetUtilization,
		EvidenceCount:        meta.EvidenceCount,
		MissingRequirements:  missing,
		CacheHit:             meta.CacheHit,
		InsufficientCoverage: meta.InsufficientCoverage,
		ProcessingTimeMs:     meta.ProcessingTimeMs,
		ArchiveObject:        ArchiveObjectName(meta.UserID, meta.SessionID),
		ComposedAt:           at.UTC(),
	}
}
