package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/tracing"
	"resume-agent-go/internal/types"
)

const resumeComposerSystemPrompt = "You are an expert resume writer. You only use the evidence you are given and you always cite it. Output JSON only."

const contactPlaceholder = "[Your Name]\n[Email] | [Phone] | [Location] | [LinkedIn]"

// composedResume LLM 返回的简历结构
type composedResume struct {
	Summary string           `json:"summary"`
	Bullets []composedBullet `json:"bullets"`
	Skills  []string         `json:"skills"`
}

type composedBullet struct {
	EvidenceID string `json:"evidence_id"`
	Text       string `json:"text"`
}

// ResumeComposer 根据证据生成带出处标记的 Markdown 简历
type ResumeComposer struct {
	llm       LLMClient
	telemetry Telemetry
	logger    zerolog.Logger
}

// ComposerOption 生成器选项
type ComposerOption func(*ResumeComposer)

// WithComposerTelemetry 设置指标上报
func WithComposerTelemetry(t Telemetry) ComposerOption {
	return func(c *ResumeComposer) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithComposerLogger 设置日志
func WithComposerLogger(logger zerolog.Logger) ComposerOption {
	return func(c *ResumeComposer) {
		c.logger = logger
	}
}

// NewResumeComposer llm 为 nil 时直接按证据确定性渲染
func NewResumeComposer(llm LLMClient, opts ...ComposerOption) *ResumeComposer {
	c := &ResumeComposer{
		llm:       llm,
		telemetry: noopTelemetry{},
		logger:    log.With().Str("component", "resume_composer").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose 生成简历 Markdown，每条经历后附 <!-- evidence:片段ID --> 标记
// LLM 调用失败或返回空内容时返回 COMPOSITION_ERROR；返回内容无法解析时按证据确定性渲染
func (c *ResumeComposer) Compose(ctx context.Context, schema *types.JDSchema, evidence []types.CompressedEvidence, coverage types.CoverageReport, cfg config.PipelineConfig) (string, error) {
	ctx, span := processorTracer.Start(ctx, "ResumeComposer.Compose")
	defer span.End()
	span.SetAttributes(attribute.Int("composer.evidence_count", len(evidence)))

	start := time.Now()
	defer func() {
		c.telemetry.Timer(constants.MetricComposerDurationMs, float64(time.Since(start).Milliseconds()), nil)
	}()

	if c.llm == nil {
		return renderResume(schema, evidence, coverage, deterministicResume(schema, evidence, coverage)), nil
	}

	resp, err := c.llm.Complete(ctx, resumeComposerSystemPrompt, buildComposePrompt(schema, evidence, coverage), cfg.ComposerMaxTokens, cfg.Temperature)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return "", classifyStageError(StageComposing, KindCompositionError, fmt.Errorf("调用LLM生成简历失败: %w", err))
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return "", classifyStageError(StageComposing, KindCompositionError, errors.New("LLM返回的简历内容为空"))
	}

	composed, err := parseComposedResume(resp.Text)
	if err != nil {
		c.logger.Warn().Err(err).Msg("简历JSON解析失败，改用确定性渲染")
		span.AddEvent("composer_fallback")
		composed = deterministicResume(schema, evidence, coverage)
	}

	composed.Bullets = filterCitedBullets(composed.Bullets, evidence)
	if len(composed.Bullets) == 0 && len(evidence) > 0 {
		composed.Bullets = deterministicResume(schema, evidence, coverage).Bullets
	}
	if strings.TrimSpace(composed.Summary) == "" {
		composed.Summary = defaultSummary(schema)
	}
	return renderResume(schema, evidence, coverage, composed), nil
}

func buildComposePrompt(schema *types.JDSchema, evidence []types.CompressedEvidence, coverage types.CoverageReport) string {
	var b strings.Builder
	b.WriteString("Write a tailored resume for the target role using ONLY the evidence below.\n\n")
	fmt.Fprintf(&b, "Target role: %s (%s)\n", schema.RoleTitle, schema.Seniority)
	if schema.ConciseSummary != "" {
		fmt.Fprintf(&b, "Role summary: %s\n", schema.ConciseSummary)
	}
	if len(schema.MustHaves) > 0 {
		fmt.Fprintf(&b, "Must-have requirements: %s\n", strings.Join(schema.MustHaves, "; "))
	}
	if missing := missingRequirements(coverage); len(missing) > 0 {
		fmt.Fprintf(&b, "Requirements without evidence (do not claim them): %s\n", strings.Join(missing, "; "))
	}

	b.WriteString("\nEvidence:\n")
	for _, ev := range evidence {
		fmt.Fprintf(&b, "[%s] %s", ev.SourceChunkID, ev.CompressedText)
		if ev.Role != "" || ev.Company != "" {
			fmt.Fprintf(&b, " (%s @ %s)", ev.Role, ev.Company)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nReturn ONLY valid JSON matching this exact structure:\n")
	b.WriteString(`{
  "summary": "string (2-3 sentences aimed at the target role)",
  "bullets": [{"evidence_id": "string (id in square brackets above)", "text": "string (one achievement bullet)"}],
  "skills": ["string"]
}`)
	b.WriteString("\n\nIMPORTANT: every bullet must cite exactly one evidence_id from the list. Do not invent employers, dates or metrics.")
	return b.String()
}

func parseComposedResume(text string) (*composedResume, error) {
	jsonStr := extractJSONObject(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("LLM响应中未找到JSON对象")
	}
	var out composedResume
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, fmt.Errorf("解析简历JSON失败: %w", err)
	}
	return &out, nil
}

// filterCitedBullets 丢弃引用未知证据的条目
func filterCitedBullets(bullets []composedBullet, evidence []types.CompressedEvidence) []composedBullet {
	known := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		known[ev.SourceChunkID] = true
	}
	out := make([]composedBullet, 0, len(bullets))
	for _, bl := range bullets {
		bl.Text = strings.Join(strings.Fields(bl.Text), " ")
		if bl.Text == "" || !known[bl.EvidenceID] {
			continue
		}
		out = append(out, bl)
	}
	return out
}

// deterministicResume 不依赖 LLM，直接由证据生成
func deterministicResume(schema *types.JDSchema, evidence []types.CompressedEvidence, coverage types.CoverageReport) *composedResume {
	out := &composedResume{Summary: defaultSummary(schema)}
	for _, ev := range evidence {
		out.Bullets = append(out.Bullets, composedBullet{EvidenceID: ev.SourceChunkID, Text: ev.CompressedText})
	}
	for _, item := range coverage {
		if item.Present {
			out.Skills = append(out.Skills, item.Requirement)
		}
	}
	for _, ev := range evidence {
		out.Skills = append(out.Skills, ev.Skills...)
	}
	return out
}

func defaultSummary(schema *types.JDSchema) string {
	if schema == nil {
		return ""
	}
	if schema.ConciseSummary != "" {
		return fmt.Sprintf("Candidate for %s. %s", schema.RoleTitle, schema.ConciseSummary)
	}
	if schema.RoleTitle != "" {
		return fmt.Sprintf("Candidate for %s.", schema.RoleTitle)
	}
	return ""
}

func missingRequirements(coverage types.CoverageReport) []string {
	var out []string
	for _, item := range coverage {
		if !item.Present {
			out = append(out, item.Requirement)
		}
	}
	return out
}

// renderResume 输出 Markdown：联系方式占位、摘要、按岗位分组的经历、技能、覆盖率注释
func renderResume(schema *types.JDSchema, evidence []types.CompressedEvidence, coverage types.CoverageReport, composed *composedResume) string {
	byID := make(map[string]types.CompressedEvidence, len(evidence))
	for _, ev := range evidence {
		byID[ev.SourceChunkID] = ev
	}

	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(contactPlaceholder)
	b.WriteString("\n\n")

	if schema != nil && schema.RoleTitle != "" {
		fmt.Fprintf(&b, "**Target role:** %s\n\n", schema.RoleTitle)
	}

	if s := strings.TrimSpace(composed.Summary); s != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	if len(composed.Bullets) > 0 {
		b.WriteString("## Experience\n")
		type group struct {
			header  string
			bullets []composedBullet
		}
		var groups []*group
		index := make(map[string]*group)
		for _, bl := range composed.Bullets {
			header := experienceHeader(byID[bl.EvidenceID])
			g, ok := index[header]
			if !ok {
				g = &group{header: header}
				index[header] = g
				groups = append(groups, g)
			}
			g.bullets = append(g.bullets, bl)
		}
		for _, g := range groups {
			fmt.Fprintf(&b, "\n### %s\n\n", g.header)
			for _, bl := range g.bullets {
				fmt.Fprintf(&b, "- %s <!-- evidence:%s -->\n", bl.Text, bl.EvidenceID)
			}
		}
		b.WriteString("\n")
	}

	if skills := dedupFold(composed.Skills); len(skills) > 0 {
		b.WriteString("## Skills\n\n")
		b.WriteString(strings.Join(skills, ", "))
		b.WriteString("\n\n")
	}

	present := 0
	for _, item := range coverage {
		if item.Present {
			present++
		}
	}
	pct := 100.0
	if len(coverage) > 0 {
		pct = math.Round(float64(present) / float64(len(coverage)) * 100)
	}
	fmt.Fprintf(&b, "<!-- coverage: %.0f%% (%d/%d requirements) -->\n", pct, present, len(coverage))
	return b.String()
}

func experienceHeader(ev types.CompressedEvidence) string {
	var header string
	switch {
	case ev.Role != "" && ev.Company != "":
		header = ev.Role + " · " + ev.Company
	case ev.Role != "":
		header = ev.Role
	case ev.Company != "":
		header = ev.Company
	default:
		header = "Selected Experience"
	}
	if ev.DateRange != "" {
		header += " (" + ev.DateRange + ")"
	}
	return header
}
