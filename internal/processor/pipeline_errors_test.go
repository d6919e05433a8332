package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("处理失败: %w", newPipelineError(StageRetrieving, KindRetrievalError, cause, "dense"))

	assert.ErrorIs(t, err, ErrRetrievalFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCompositionFailed)
	assert.Contains(t, err.Error(), "阶段:retrieving")
	assert.Contains(t, err.Error(), "dense")

	pe, ok := AsPipelineError(err)
	assert.True(t, ok)
	assert.Equal(t, KindRetrievalError, pe.Kind)

	_, ok = AsPipelineError(cause)
	assert.False(t, ok)
}

func TestPipelineError_Classification(t *testing.T) {
	tests := []struct {
		kind       ErrorKind
		actionable bool
		retryable  bool
	}{
		{KindParseFallback, false, false},
		{KindRetrievalError, false, true},
		{KindBudgetExhaustedPartial, false, false},
		{KindInsufficientCoverage, true, false},
		{KindCompositionError, false, true},
		{KindTimeout, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			pe := newPipelineError(StageDone, tt.kind, nil, "")
			assert.Equal(t, tt.actionable, pe.UserActionable())
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.ErrorIs(t, pe, kindSentinels[tt.kind])
		})
	}
}

func TestClassifyStageError(t *testing.T) {
	existing := newPipelineError(StageComposing, KindCompositionError, nil, "")
	assert.Same(t, existing, classifyStageError(StageRetrieving, KindRetrievalError, existing))

	timeout := classifyStageError(StageRetrieving, KindRetrievalError, fmt.Errorf("search: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, timeout.Kind)

	canceled := classifyStageError(StageComposing, KindCompositionError, context.Canceled)
	assert.Equal(t, KindTimeout, canceled.Kind)

	other := classifyStageError(StageComposing, KindCompositionError, errors.New("boom"))
	assert.Equal(t, KindCompositionError, other.Kind)
	assert.Equal(t, StageComposing, other.Stage)
}
