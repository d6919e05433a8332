package tracing

import (
	"strings"
)

// span 属性长度上限
const (
	MaxSQLLength   = 500
	MaxRedisLength = 100
	MaxJDLength    = 150
)

const ellipsis = "..."

// sensitiveKeys 属性名包含其中任一片段时值被掩码
var sensitiveKeys = []string{
	"api_key",
	"authorization",
	"password",
	"secret",
	"token",
	"user_id",
	"email",
	"phone",
	"name",
	"address",
	"姓名",
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, key := range sensitiveKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// SafeAttributeValue 敏感属性返回掩码值，其余截断到 maxLength
func SafeAttributeValue(name, value string, maxLength int) string {
	if isSensitive(name) {
		return MaskPII(value)
	}
	return TruncateString(value, maxLength)
}

// MaskPII 保留首尾少量字符，邮箱只掩码本地部分
func MaskPII(value string) string {
	if at := strings.LastIndex(value, "@"); at > 0 && at < len(value)-1 {
		return maskRunes([]rune(value[:at])) + value[at:]
	}
	return maskRunes([]rune(value))
}

func maskRunes(r []rune) string {
	n := len(r)
	switch {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		return string(r[0]) + "*"
	case n <= 4:
		return string(r[0]) + strings.Repeat("*", n-2) + string(r[n-1])
	default:
		return string(r[:2]) + strings.Repeat("*", n-4) + string(r[n-2:])
	}
}

// TruncateString 按 rune 截断，保留首尾并以省略号相连
func TruncateString(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= len(ellipsis) {
		return string(r[:maxLength])
	}
	keep := max((maxLength-len(ellipsis))/2, 1)
	return string(r[:keep]) + ellipsis + string(r[len(r)-keep:])
}

// SafeSQL span 中的 SQL 语句
func SafeSQL(sql string) string {
	return TruncateString(sql, MaxSQLLength)
}

// SafeRedisKey span 中的缓存键
func SafeRedisKey(key string) string {
	return TruncateString(key, MaxRedisLength)
}

// SafeJDText 岗位描述或检索查询，先把换行和连续空白压成单个空格再截断
func SafeJDText(content string) string {
	return TruncateString(strings.Join(strings.Fields(content), " "), MaxJDLength)
}
