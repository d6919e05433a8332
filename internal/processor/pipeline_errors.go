package processor

import (
	"context"
	"errors"
	"fmt"
)

// Stage 流水线阶段
type Stage string

const (
	StageIdle          Stage = "idle"
	StageParsing       Stage = "parsing"
	StageRetrieving    Stage = "retrieving"
	StageCompressing   Stage = "compressing"
	StageCoverageCheck Stage = "coverage-check"
	StageComposing     Stage = "composing"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// ErrorKind 流水线错误分类
type ErrorKind string

const (
	KindParseFallback          ErrorKind = "PARSE_FALLBACK"
	KindRetrievalError         ErrorKind = "RETRIEVAL_ERROR"
	KindBudgetExhaustedPartial ErrorKind = "BUDGET_EXHAUSTED_PARTIAL"
	KindInsufficientCoverage   ErrorKind = "INSUFFICIENT_COVERAGE"
	KindCompositionError       ErrorKind = "COMPOSITION_ERROR"
	KindTimeout                ErrorKind = "TIMEOUT"
)

// 定义基础错误类型
var (
	ErrParseFallback          = errors.New("JD结构化抽取失败，已回退到规则解析")
	ErrRetrievalFailed        = errors.New("证据检索失败")
	ErrBudgetExhaustedPartial = errors.New("证据预算不足，仅保留部分证据")
	ErrInsufficientCoverage   = errors.New("必备要求覆盖率不足")
	ErrCompositionFailed      = errors.New("简历生成失败")
	ErrPipelineTimeout        = errors.New("流水线超时")
)

var kindSentinels = map[ErrorKind]error{
	KindParseFallback:          ErrParseFallback,
	KindRetrievalError:         ErrRetrievalFailed,
	KindBudgetExhaustedPartial: ErrBudgetExhaustedPartial,
	KindInsufficientCoverage:   ErrInsufficientCoverage,
	KindCompositionError:       ErrCompositionFailed,
	KindTimeout:                ErrPipelineTimeout,
}

// PipelineError 带阶段与分类信息的流水线错误
type PipelineError struct {
	Stage     Stage
	Kind      ErrorKind
	SessionID string
	Err       error // 底层原因，可为 nil
	Detail    string
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s (阶段:%s, 类型:%s)", kindSentinels[e.Kind], e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is 实现 errors.Is，匹配分类对应的哨兵错误；底层原因经由 Unwrap 匹配
func (e *PipelineError) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return false
}

// UserActionable 用户可以通过修改输入解决的错误
func (e *PipelineError) UserActionable() bool {
	return e.Kind == KindInsufficientCoverage
}

// Retryable 基础设施类错误，重试可能成功
func (e *PipelineError) Retryable() bool {
	switch e.Kind {
	case KindRetrievalError, KindCompositionError, KindTimeout:
		return true
	}
	return false
}

func newPipelineError(stage Stage, kind ErrorKind, err error, detail string) *PipelineError {
	return &PipelineError{Stage: stage, Kind: kind, Err: err, Detail: detail}
}

// classifyStageError 把阶段内的未分类错误归类，上下文结束统一视为超时
func classifyStageError(stage Stage, fallback ErrorKind, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newPipelineError(stage, KindTimeout, err, "")
	}
	return newPipelineError(stage, fallback, err, "")
}

// AsPipelineError 从错误链中取出 PipelineError
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	ok := errors.As(err, &pe)
	return pe, ok
}
