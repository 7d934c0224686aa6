package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultRetryability(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
	}{
		{RateLimited, true},
		{BackpressureRejected, true},
		{RetryableToolError, true},
		{NonRetryableToolError, false},
		{ValidationError, false},
		{MaxStepsError, false},
		{StuckError, false},
		{PlanValidationError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.retryable, New(tt.code, "x").Retryable)
		})
	}
}

func TestCodeOf_ThroughWrapping(t *testing.T) {
	base := New(RateLimited, "queue %s", "runs")
	wrapped := fmt.Errorf("failed to enqueue: %w", base)

	assert.Equal(t, RateLimited, CodeOf(wrapped))
	assert.True(t, Is(wrapped, RateLimited))
	assert.True(t, errors.Is(wrapped, New(RateLimited, "")))
	assert.False(t, errors.Is(wrapped, New(NotFound, "")))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(RetryableToolError, cause, "tool %s", "search")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "RetryableToolError: tool search: boom", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(New(RetryableToolError, "x")))
	assert.False(t, IsRetryable(New(NonRetryableToolError, "x")))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(errors.New("dial tcp 10.0.0.1:443: connection refused")))
	assert.True(t, IsRetryable(errors.New("upstream returned status code 503")))
	assert.False(t, IsRetryable(errors.New("invalid argument")))
}

func TestVersionConflict(t *testing.T) {
	err := fmt.Errorf("apply: %w", &VersionConflictError{RunID: "r1", ExpectedVersion: 3, ActualVersion: 4})
	assert.True(t, IsVersionConflict(err))
	assert.Contains(t, err.Error(), "version conflict for run r1: expected 3, got 4")
	assert.False(t, IsVersionConflict(New(NotFound, "x")))
}
