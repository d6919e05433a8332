package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"resume-agent-go/internal/logger"
	"resume-agent-go/internal/processor"
	"resume-agent-go/internal/types"
)

// HeaderRequestID 请求 ID 头
const HeaderRequestID = "X-Request-ID"

const requestIDKey = "request_id"

// PipelineService JD 流水线对外能力
type PipelineService interface {
	ProcessJD(ctx context.Context, rawText, userID string) (*types.PipelineResult, error)
	GetHealthStatus(ctx context.Context) types.HealthStatus
	GetMetrics() processor.PipelineMetrics
}

// ProcessJDRequest POST /api/v1/jd/process 请求体
type ProcessJDRequest struct {
	JobDescription string `json:"job_description" validate:"required,max=50000"`
	UserID         string `json:"user_id,omitempty" validate:"omitempty,max=64,excludesall=/"`
}

// ProcessJDResponse 成功响应
type ProcessJDResponse struct {
	RequestID string                `json:"request_id"`
	Result    *types.PipelineResult `json:"result"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Stage     string `json:"stage,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

// JDHandler JD 处理接口
type JDHandler struct {
	svc      PipelineService
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewJDHandler 创建处理器
func NewJDHandler(svc PipelineService) *JDHandler {
	return &JDHandler{
		svc:      svc,
		validate: validator.New(),
		logger:   logger.Component("jd_handler"),
	}
}

// RequestID 读取或生成请求 ID 并回写响应头
func RequestID() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		id := strings.TrimSpace(string(ctx.GetHeader(HeaderRequestID)))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header(HeaderRequestID, id)
		ctx.Next(c)
	}
}

func requestIDFrom(ctx *app.RequestContext) string {
	return ctx.GetString(requestIDKey)
}

// HandleProcessJD 处理 JD 生成简历
func (h *JDHandler) HandleProcessJD(c context.Context, ctx *app.RequestContext) {
	reqID := requestIDFrom(ctx)

	var req ProcessJDRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, ErrorResponse{RequestID: reqID, Error: "请求体不是合法的JSON"})
		return
	}
	req.JobDescription = strings.TrimSpace(req.JobDescription)
	if err := h.validate.Struct(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, ErrorResponse{RequestID: reqID, Error: fmt.Sprintf("请求参数无效: %v", err)})
		return
	}

	result, err := h.svc.ProcessJD(c, req.JobDescription, req.UserID)
	if err != nil {
		status := StatusForError(err)
		resp := ErrorResponse{RequestID: reqID, Error: err.Error()}
		if pe, ok := processor.AsPipelineError(err); ok {
			resp.Code = string(pe.Kind)
			resp.Stage = string(pe.Stage)
			resp.SessionID = pe.SessionID
			resp.Retryable = pe.Retryable()
		}
		h.logger.Warn().Err(err).
			Str("request_id", reqID).
			Int("status", status).
			Msg("JD 处理失败")
		ctx.JSON(status, resp)
		return
	}

	h.logger.Info().
		Str("request_id", reqID).
		Str("session_id", result.Metadata.SessionID).
		Float64("coverage", result.Metadata.CoveragePercent).
		Bool("cache_hit", result.Metadata.CacheHit).
		Msg("JD 处理完成")
	ctx.JSON(consts.StatusOK, ProcessJDResponse{RequestID: reqID, Result: result})
}

// HandleHealth 不健康时返回 503
func (h *JDHandler) HandleHealth(c context.Context, ctx *app.RequestContext) {
	status := h.svc.GetHealthStatus(c)
	code := consts.StatusOK
	if status.Status == types.HealthUnhealthy {
		code = consts.StatusServiceUnavailable
	}
	ctx.JSON(code, status)
}

// HandleMetrics 返回流水线配置与模型上限
func (h *JDHandler) HandleMetrics(_ context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, h.svc.GetMetrics())
}

// HandleUnauthorized keyauth 失败时的响应
func HandleUnauthorized(_ context.Context, ctx *app.RequestContext, err error) {
	ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{
		"request_id": requestIDFrom(ctx),
		"error":      err.Error(),
	})
}

// StatusForError 用户可处理的错误 422，超时 504，其余基础设施错误 502
func StatusForError(err error) int {
	if pe, ok := processor.AsPipelineError(err); ok {
		switch {
		case pe.UserActionable():
			return http.StatusUnprocessableEntity
		case pe.Kind == processor.KindTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
