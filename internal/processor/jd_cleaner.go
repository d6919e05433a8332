package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	emojiPattern = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2B00}-\x{2BFF}\x{FE0F}\x{200D}\x{20E3}]`)

	bulletPattern = regexp.MustCompile(`^[•▪●◦‣∙*·]\s*`)

	// 命中即整行丢弃(除非该行含技术词)
	boilerplateLinePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)equal opportunity employer`),
		regexp.MustCompile(`(?i)\bapply (now|today)\b`),
		regexp.MustCompile(`(?i)\b(competitive|attractive|generous) (salary|compensation|pay|package)\b`),
		regexp.MustCompile(`(?i)\b(401\s*\(?k\)?|health insurance|dental|vision insurance|paid time off|unlimited (pto|vacation)|free (snacks|lunch(es)?)|stock options|gym membership)\b`),
		regexp.MustCompile(`(?i)\bbenefits? (include|package)\b`),
		regexp.MustCompile(`(?i)^(about us|why join us|perks|benefits|what we offer)\s*:?$`),
		regexp.MustCompile(`(?i)\bwe('re| are) an? (inclusive|diverse)\b`),
		regexp.MustCompile(`(?i)\bregardless of (race|gender|age)\b`),
	}

	// 行内营销词，直接删掉短语
	marketingPhrasePattern = regexp.MustCompile(`(?i)\b(rock ?stars?|ninjas?|gurus?|game[- ]changers?|wizards?|unicorns?|world[- ]class|fast[- ]paced|cutting[- ]edge|dynamic team|superstars?)\b`)

	danglingPunctPattern = regexp.MustCompile(`\s+([,.;:!?])`)
)

// techTerms 出现在行内时保留该行
var techTerms = map[string]bool{
	"python": true, "java": true, "golang": true, "go": true, "rust": true, "c++": true, "c#": true,
	"javascript": true, "typescript": true, "node": true, "node.js": true, "react": true, "vue": true,
	"angular": true, "django": true, "flask": true, "fastapi": true, "spring": true, "rails": true,
	"kubernetes": true, "k8s": true, "docker": true, "aws": true, "gcp": true, "azure": true,
	"terraform": true, "sql": true, "postgresql": true, "postgres": true, "mysql": true, "mongodb": true,
	"redis": true, "kafka": true, "spark": true, "hadoop": true, "graphql": true, "rest": true,
	"restful": true, "api": true, "apis": true, "grpc": true, "linux": true, "git": true, "ci/cd": true,
	"ml": true, "llm": true, "pytorch": true, "tensorflow": true, "microservices": true, "swift": true,
	"kotlin": true, "scala": true, "php": true, "ruby": true, "elasticsearch": true, "airflow": true,
}

// containsTechTerm 行内是否含有技术词
func containsTechTerm(line string) bool {
	for _, tok := range strings.Fields(strings.ToLower(line)) {
		tok = strings.Trim(tok, ",.;:()!?\"'[]")
		if techTerms[tok] {
			return true
		}
	}
	return false
}

// CleanJobDescription 去除表情、营销话术与福利套话，并规范化空白
// 同一份内容只在空白上有差异时，清洗结果一致
func CleanJobDescription(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = emojiPattern.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		line = bulletPattern.ReplaceAllString(line, "- ")

		if !containsTechTerm(line) && isBoilerplateLine(line) {
			continue
		}

		line = marketingPhrasePattern.ReplaceAllString(line, "")
		line = strings.Join(strings.Fields(line), " ")
		line = danglingPunctPattern.ReplaceAllString(line, "$1")
		if line == "" || line == "-" {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.Join(cleaned, "\n")
}

func isBoilerplateLine(line string) bool {
	for _, p := range boilerplateLinePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// HashCleanedText 清洗后文本的稳定指纹(SHA-256 前 16 字节的十六进制)
func HashCleanedText(cleaned string) string {
	sum := sha256.Sum256([]byte(cleaned))
	return hex.EncodeToString(sum[:16])
}
