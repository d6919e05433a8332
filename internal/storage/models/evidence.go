package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// EvidenceChunkRecord 证据片段表，text 列建 FULLTEXT 索引供关键词检索
type EvidenceChunkRecord struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	UserID    string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_evidence_user_chunk,priority:1"`
	ChunkID   string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_evidence_user_chunk,priority:2"`
	Text      string         `gorm:"type:text;not null"`
	Role      string         `gorm:"type:varchar(255)"`
	Company   string         `gorm:"type:varchar(255)"`
	Skills    datatypes.JSON `gorm:"type:json"`
	DateRange string         `gorm:"type:varchar(64)"`
	CreatedAt time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (EvidenceChunkRecord) TableName() string {
	return "evidence_chunks"
}

// GeneratedResume 已生成简历的历史记录
type GeneratedResume struct {
	SessionID          string         `gorm:"type:varchar(64);primaryKey"`
	UserID             string         `gorm:"type:varchar(64);index:idx_generated_user"`
	RawHash            string         `gorm:"type:char(32);index:idx_generated_hash"`
	CoveragePercent    float64        `gorm:"type:decimal(5,4)"`
	BudgetUtilization  float64        `gorm:"type:decimal(8,4)"`
	EvidenceCount      int            `gorm:"type:int"`
	CacheHit           bool           `gorm:"type:tinyint(1)"`
	ProcessingTimeMs   int64          `gorm:"type:bigint"`
	CoverageReportJSON datatypes.JSON `gorm:"type:json"`
	ResumeMarkdown     string         `gorm:"type:mediumtext"`
	CreatedAt          time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (GeneratedResume) TableName() string {
	return "generated_resumes"
}

// StringsToJSON 字符串列表转 JSON 列，nil 转为 []
func StringsToJSON(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}

// JSONToStrings 解析 JSON 列为字符串列表，非法内容返回 nil
func JSONToStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
