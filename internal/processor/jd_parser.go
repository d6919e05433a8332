package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"resume-agent-go/internal/config"
	"resume-agent-go/internal/constants"
	"resume-agent-go/internal/types"
)

const jdExtractionSystemPrompt = "You are a precise information extraction engine for job postings. Output JSON only."

// jdExtraction LLM 返回的 JSON 结构
type jdExtraction struct {
	RoleTitle           string   `json:"role_title" validate:"required"`
	Seniority           string   `json:"seniority" validate:"oneof=junior mid-level senior staff manager director unknown"`
	Domain              []string `json:"domain" validate:"dive,required"`
	MustHaves           []string `json:"must_haves" validate:"dive,required"`
	TopResponsibilities []string `json:"top_responsibilities" validate:"dive,required"`
	HardConstraints     []string `json:"hard_constraints" validate:"dive,required"`
	ConciseSummary      string   `json:"concise_summary"`
}

// JDParser 把岗位描述解析为 JDSchema
type JDParser struct {
	llm       LLMClient
	counter   TokenCounter
	telemetry Telemetry
	validate  *validator.Validate
	logger    zerolog.Logger

	temperature     float64
	maxPromptTokens int
	maxTokens       int
}

// JDParserOption 解析器选项
type JDParserOption func(*JDParser)

// WithParserLogger 设置日志
func WithParserLogger(logger zerolog.Logger) JDParserOption {
	return func(p *JDParser) {
		p.logger = logger
	}
}

// WithParserTelemetry 设置指标上报
func WithParserTelemetry(t Telemetry) JDParserOption {
	return func(p *JDParser) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// NewJDParser 创建解析器，llm 为 nil 时只走规则解析
func NewJDParser(llm LLMClient, counter TokenCounter, cfg config.PipelineConfig, opts ...JDParserOption) *JDParser {
	p := &JDParser{
		llm:             llm,
		counter:         counter,
		telemetry:       noopTelemetry{},
		validate:        validator.New(),
		logger:          log.With().Str("component", "jd_parser").Logger(),
		temperature:     cfg.ParserTemperature,
		maxPromptTokens: cfg.ParserMaxPromptTokens,
		maxTokens:       cfg.ParserMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse 清洗并解析原始 JD，任何失败都回退到规则解析，不返回错误
func (p *JDParser) Parse(ctx context.Context, raw string) *types.JDSchema {
	return p.ParseCleaned(ctx, CleanJobDescription(raw))
}

// ParseCleaned 解析已清洗的文本
func (p *JDParser) ParseCleaned(ctx context.Context, cleaned string) *types.JDSchema {
	start := time.Now()
	defer func() {
		p.telemetry.Timer(constants.MetricParserDurationMs, float64(time.Since(start).Milliseconds()), nil)
	}()

	rawHash := HashCleanedText(cleaned)
	if strings.TrimSpace(cleaned) == "" {
		return emptySchema(rawHash)
	}

	if p.llm != nil {
		schema, err := p.extractWithLLM(ctx, cleaned)
		if err == nil {
			schema.RawHash = rawHash
			return schema
		}
		p.logger.Warn().Err(err).Str("raw_hash", rawHash).Msg("JD结构化抽取失败，回退到规则解析")
	}

	p.telemetry.Counter(constants.MetricParserLLMFallback, 1, nil)
	schema := parseWithRules(cleaned)
	schema.RawHash = rawHash
	return schema
}

func (p *JDParser) extractWithLLM(ctx context.Context, cleaned string) (*types.JDSchema, error) {
	text := cleaned
	if p.counter != nil && p.maxPromptTokens > 0 {
		text = p.counter.Truncate(cleaned, p.maxPromptTokens)
	}

	resp, err := p.llm.Complete(ctx, jdExtractionSystemPrompt, buildJDExtractionPrompt(text), p.maxTokens, p.temperature)
	if err != nil {
		p.telemetry.Counter(constants.MetricParserLLMError, 1, nil)
		return nil, fmt.Errorf("调用LLM抽取JD失败: %w", err)
	}

	jsonStr := extractJSONObject(resp.Text)
	if jsonStr == "" {
		return nil, fmt.Errorf("LLM响应中未找到JSON对象")
	}

	var ext jdExtraction
	if err := json.Unmarshal([]byte(jsonStr), &ext); err != nil {
		return nil, fmt.Errorf("解析JD抽取结果失败: %w", err)
	}
	ext.RoleTitle = strings.TrimSpace(ext.RoleTitle)
	ext.Seniority = normalizeSeniority(ext.Seniority)
	ext.MustHaves = trimItems(ext.MustHaves)
	ext.TopResponsibilities = trimItems(ext.TopResponsibilities)
	ext.Domain = trimItems(ext.Domain)
	ext.HardConstraints = trimItems(ext.HardConstraints)

	if err := p.validate.Struct(&ext); err != nil {
		return nil, fmt.Errorf("JD抽取结果校验失败: %w", err)
	}

	return &types.JDSchema{
		RoleTitle:           ext.RoleTitle,
		Seniority:           types.Seniority(ext.Seniority),
		Domain:              sortedSet(ext.Domain),
		MustHaves:           dedupFold(ext.MustHaves),
		TopResponsibilities: ext.TopResponsibilities,
		HardConstraints:     sortedSet(ext.HardConstraints),
		ConciseSummary:      strings.TrimSpace(ext.ConciseSummary),
		Source:              types.SourceLLM,
	}, nil
}

func buildJDExtractionPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Extract structured information from the following job description.\n\n")
	b.WriteString("Return ONLY valid JSON matching this exact structure:\n")
	b.WriteString(`{
  "role_title": "string (job title)",
  "seniority": "one of: junior, mid-level, senior, staff, manager, director, unknown",
  "domain": ["string (industry or technical domain)"],
  "must_haves": ["string (required skill or qualification, short noun phrase)"],
  "top_responsibilities": ["string (key responsibility, at most 5)"],
  "hard_constraints": ["string (non-negotiable condition such as security clearance, citizenship, on-site only)"],
  "concise_summary": "string (one or two sentences)"
}`)
	b.WriteString("\n\nIMPORTANT: Extract information directly from the text. Do not invent requirements that are not stated. ")
	b.WriteString("Use empty arrays when a field is absent. Return ONLY the JSON object.\n\n")
	b.WriteString("Input text:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"")
	return b.String()
}

// extractJSONObject 去掉代码块与前后说明文字，取第一个 { 到最后一个 }
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func normalizeSeniority(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return string(types.SeniorityUnknown)
	case "mid", "mid level", "middle", "intermediate":
		return string(types.SeniorityMid)
	case "principal", "lead":
		return string(types.SeniorityStaff)
	case "entry", "entry-level", "entry level":
		return string(types.SeniorityJunior)
	}
	return s
}

//
// 规则解析
//

var (
	sectionHeaderPattern = regexp.MustCompile(`^(?:#+\s*)?([A-Za-z'’ /&]+?)\s*:\s*(.*)$`)
	listItemPattern      = regexp.MustCompile(`^(?:[-*]|\d+[.)])\s+`)
	itemPrefixPattern    = regexp.MustCompile(`(?i)^(?:strong |solid |deep |proven )?(?:experience (?:with|in)|proficiency (?:with|in)|knowledge of|familiarity with|expertise in|understanding of|ability to)\s+`)
	itemSplitPattern     = regexp.MustCompile(`\s*(?:[,;]|\band\b)\s*`)
	sentenceEndPattern   = regexp.MustCompile(`[.!?](?:\s|$)`)
)

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionRequirements
	sectionResponsibilities
	sectionOther
)

var requirementHeaders = []string{"requirement", "qualification", "skill", "must have", "must-have", "what you bring", "what we're looking for", "what we are looking for", "you have"}
var responsibilityHeaders = []string{"responsibilit", "what you'll do", "what you will do", "what you’ll do", "the role", "duties", "your day"}

// 按顺序匹配，先命中者优先
var seniorityTable = []struct {
	keywords  []string
	seniority types.Seniority
}{
	{[]string{"staff", "principal"}, types.SeniorityStaff},
	{[]string{"senior", "sr", "sr."}, types.SenioritySenior},
	{[]string{"junior", "jr", "jr."}, types.SeniorityJunior},
	{[]string{"manager"}, types.SeniorityManager},
	{[]string{"director"}, types.SeniorityDirector},
}

var domainKeywords = map[string][]string{
	"fintech":              {"fintech", "payments", "banking", "trading"},
	"healthcare":           {"healthcare", "clinical", "medical", "patient"},
	"e-commerce":           {"e-commerce", "ecommerce", "retail", "marketplace"},
	"machine learning":     {"machine learning", "ml", "llm", "deep learning"},
	"cloud infrastructure": {"kubernetes", "cloud", "infrastructure", "devops"},
	"data":                 {"data pipeline", "data engineering", "analytics", "etl"},
	"security":             {"cybersecurity", "appsec", "security engineer"},
}

const maxSummaryChars = 300

var hardConstraintKeywords = []string{"security clearance", "citizenship", "on-site only"}

func emptySchema(rawHash string) *types.JDSchema {
	return &types.JDSchema{
		Seniority:           types.SeniorityUnknown,
		Domain:              []string{},
		MustHaves:           []string{},
		TopResponsibilities: []string{},
		HardConstraints:     []string{},
		RawHash:             rawHash,
		Source:              types.SourceRules,
	}
}

// parseWithRules 规则解析，结果确定
func parseWithRules(cleaned string) *types.JDSchema {
	schema := emptySchema("")
	lines := strings.Split(cleaned, "\n")
	if len(lines) == 0 {
		return schema
	}

	schema.RoleTitle = strings.TrimSpace(lines[0])
	schema.Seniority = seniorityFromTitle(schema.RoleTitle)

	var mustHaves, responsibilities, bodyLines []string
	current := sectionNone
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !listItemPattern.MatchString(line) {
			if m := sectionHeaderPattern.FindStringSubmatch(line); m != nil {
				if kind := classifyHeader(m[1]); kind != sectionNone {
					current = kind
					if rest := strings.TrimSpace(m[2]); rest != "" {
						mustHaves, responsibilities = appendSectionItems(current, rest, mustHaves, responsibilities)
					}
					continue
				}
			} else if kind := classifyHeader(line); kind == sectionRequirements || kind == sectionResponsibilities {
				if len(strings.Fields(line)) <= 4 {
					current = kind
					continue
				}
			}
		}

		if listItemPattern.MatchString(line) {
			item := listItemPattern.ReplaceAllString(line, "")
			mustHaves, responsibilities = appendSectionItems(current, item, mustHaves, responsibilities)
			continue
		}
		if current == sectionNone {
			bodyLines = append(bodyLines, line)
		}
	}

	schema.MustHaves = dedupFold(mustHaves)
	if len(responsibilities) > 5 {
		responsibilities = responsibilities[:5]
	}
	schema.TopResponsibilities = responsibilities

	lower := strings.ToLower(cleaned)
	schema.Domain = detectDomains(lower)
	for _, kw := range hardConstraintKeywords {
		if strings.Contains(lower, kw) {
			schema.HardConstraints = append(schema.HardConstraints, kw)
		}
	}
	schema.HardConstraints = sortedSet(schema.HardConstraints)
	schema.ConciseSummary = summarize(bodyLines)
	return schema
}

func classifyHeader(header string) sectionKind {
	h := strings.ToLower(strings.TrimSpace(header))
	for _, kw := range requirementHeaders {
		if strings.Contains(h, kw) {
			return sectionRequirements
		}
	}
	for _, kw := range responsibilityHeaders {
		if strings.Contains(h, kw) {
			return sectionResponsibilities
		}
	}
	if len(strings.Fields(h)) <= 4 {
		return sectionOther
	}
	return sectionNone
}

func appendSectionItems(kind sectionKind, text string, mustHaves, responsibilities []string) ([]string, []string) {
	switch kind {
	case sectionRequirements:
		for _, part := range itemSplitPattern.Split(text, -1) {
			part = strings.TrimSpace(strings.TrimRight(part, "."))
			part = itemPrefixPattern.ReplaceAllString(part, "")
			if part != "" {
				mustHaves = append(mustHaves, part)
			}
		}
	case sectionResponsibilities:
		text = strings.TrimSpace(strings.TrimRight(text, "."))
		if text != "" {
			responsibilities = append(responsibilities, text)
		}
	}
	return mustHaves, responsibilities
}

func seniorityFromTitle(title string) types.Seniority {
	words := strings.Fields(strings.ToLower(title))
	for _, row := range seniorityTable {
		for _, kw := range row.keywords {
			for _, w := range words {
				if strings.Trim(w, ",()-/") == kw {
					return row.seniority
				}
			}
		}
	}
	return types.SeniorityUnknown
}

func detectDomains(lower string) []string {
	words := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		words[strings.Trim(w, ",.;:()!?\"'")] = true
	}
	var found []string
	for domain, kws := range domainKeywords {
		for _, kw := range kws {
			var hit bool
			if strings.Contains(kw, " ") || strings.Contains(kw, "-") {
				hit = strings.Contains(lower, kw)
			} else {
				hit = words[kw]
			}
			if hit {
				found = append(found, domain)
				break
			}
		}
	}
	return sortedSet(found)
}

// summarize 取开头若干整句，不超过 maxSummaryChars
func summarize(lines []string) string {
	text := strings.Join(lines, " ")
	if text == "" {
		return ""
	}
	summary := ""
	for _, loc := range sentenceEndPattern.FindAllStringIndex(text, -1) {
		candidate := strings.TrimSpace(text[:loc[1]])
		if len(candidate) > maxSummaryChars && summary != "" {
			break
		}
		summary = candidate
	}
	if summary == "" {
		summary = text
	}
	if r := []rune(summary); len(r) > maxSummaryChars {
		summary = strings.TrimSpace(string(r[:maxSummaryChars]))
	}
	return summary
}

func trimItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

// dedupFold 大小写不敏感去重，保留首次出现的顺序与写法
func dedupFold(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(it))
	}
	return out
}

func sortedSet(items []string) []string {
	out := dedupFold(items)
	sort.Strings(out)
	return out
}
