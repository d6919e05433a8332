package processor

import (
	"strings"

	"resume-agent-go/internal/types"
)

// SubstringMatcher 默认匹配规则：证据文本包含该要求(忽略大小写)，或来源片段的技能标签与之相同
type SubstringMatcher struct{}

func (SubstringMatcher) Matches(requirement string, evidence types.CompressedEvidence) bool {
	req := normalizeRequirement(requirement)
	if req == "" {
		return false
	}
	if strings.Contains(strings.ToLower(evidence.CompressedText), req) {
		return true
	}
	for _, skill := range evidence.Skills {
		if normalizeRequirement(skill) == req {
			return true
		}
	}
	return false
}

func normalizeRequirement(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CoverageTracker 统计必备要求的证据覆盖情况
type CoverageTracker struct {
	matcher RequirementMatcher
}

// NewCoverageTracker matcher 为 nil 时使用 SubstringMatcher
func NewCoverageTracker(matcher RequirementMatcher) *CoverageTracker {
	if matcher == nil {
		matcher = SubstringMatcher{}
	}
	return &CoverageTracker{matcher: matcher}
}

// Evaluate 按 MustHaves 顺序生成覆盖报告，并返回覆盖率
// 没有必备要求时覆盖率为 1
func (t *CoverageTracker) Evaluate(schema *types.JDSchema, evidence []types.CompressedEvidence) (types.CoverageReport, float64) {
	if schema == nil || len(schema.MustHaves) == 0 {
		return types.CoverageReport{}, 1.0
	}

	report := make(types.CoverageReport, 0, len(schema.MustHaves))
	present := 0
	for _, req := range schema.MustHaves {
		item := types.CoverageItem{Requirement: req}
		for _, ev := range evidence {
			if t.matcher.Matches(req, ev) {
				item.EvidenceIDs = append(item.EvidenceIDs, ev.SourceChunkID)
			}
		}
		item.Present = len(item.EvidenceIDs) > 0
		if item.Present {
			present++
		}
		report = append(report, item)
	}
	return report, float64(present) / float64(len(schema.MustHaves))
}

// MeetsThreshold 覆盖率是否达到下限
func MeetsThreshold(coveragePercent, minCoverage float64) bool {
	return coveragePercent >= minCoverage
}
