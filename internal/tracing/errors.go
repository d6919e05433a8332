package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 错误所在的依赖或环节，写入 span 的 error.type
type ErrorType string

const (
	ErrorTypeHTTP       ErrorType = "http"
	ErrorTypeDB         ErrorType = "db"
	ErrorTypeRedis      ErrorType = "redis"
	ErrorTypeVectorDB   ErrorType = "vector_db"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeExternal   ErrorType = "external_system"
	ErrorTypeLLM        ErrorType = "llm"
	ErrorTypeEmbedding  ErrorType = "embedding"
	// ErrorTypePipeline 流水线失败，附带阶段和错误分类
	ErrorTypePipeline ErrorType = "pipeline"
)

// MaxErrorMessageLength error.message 属性最大长度，模型服务的报错体可能很长
const MaxErrorMessageLength = 300

// RecordError 把错误写入 span 并标记失败，attrs 追加到 span 上
func RecordError(span trace.Span, err error, errorType ErrorType, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), MaxErrorMessageLength)),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	span.SetStatus(codes.Error, err.Error())
}

// RecordHTTPError 记录上游 HTTP 调用失败，并标出是否值得重试
func RecordHTTPError(span trace.Span, err error, statusCode int) {
	category, retryable := classifyHTTPStatus(statusCode)
	RecordError(span, err, ErrorTypeHTTP,
		attribute.Int("http.status_code", statusCode),
		attribute.String("error.category", category),
		attribute.Bool("error.retryable", retryable),
	)
}

// classifyHTTPStatus 限流和服务端错误可重试，其余客户端错误重试无意义
func classifyHTTPStatus(status int) (string, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited", true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return "timeout", true
	case status >= 500:
		return "server_error", true
	case status >= 400:
		return "client_error", false
	default:
		return "unknown", false
	}
}
