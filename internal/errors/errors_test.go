package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStageError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *StageError
		want string
	}{
		{
			name: "no context",
			err:  NewStageError("review failed", nil),
			want: "stage error: review failed",
		},
		{
			name: "stage and agent",
			err:  NewStageError("call failed", ErrEmptyResponse).WithStage("stage1").WithAgent("a1"),
			want: "stage error [stage=stage1, agent=a1]: call failed: empty model response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStageError_Is(t *testing.T) {
	err := NewStageError("x", ErrAllAgentsFailed)
	if !Is(err, ErrAllAgentsFailed) {
		t.Error("expected StageError to match its cause")
	}
	if !Is(err, &StageError{}) {
		t.Error("expected StageError to match type target")
	}
}

func TestJobError_RetryableByDefault(t *testing.T) {
	err := NewJobError("boom", nil).WithJobID("j1").WithJobType("web_search").WithAttempt(2)
	if !err.IsRetryable() {
		t.Error("JobError should be retryable by default")
	}
	want := "job error [job=j1, type=web_search, attempt=2]: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	base := fmt.Errorf("bad payload")
	err := Permanent(base)
	if IsRetryable(err) {
		t.Error("Permanent error must not be retryable")
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent should be true")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should wrap the original error")
	}
}

func TestModelError_WithStatusCode(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.code), func(t *testing.T) {
			err := NewModelError("call failed", nil).WithProvider("openrouter").WithStatusCode(tt.code)
			if err.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", err.IsRetryable(), tt.retryable)
			}
		})
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("stage1 call", 2*time.Minute)
	if !Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
	}
	if got, want := err.Error(), "timeout error: stage1 call (timeout: 2m0s)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"wrapped timeout sentinel", fmt.Errorf("ctx: %w", ErrTimeout), true},
		{"wrapped job error", fmt.Errorf("run: %w", NewJobError("x", nil)), true},
		{"validation", NewValidationError("bad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent_PlainErrorIsNotPermanent(t *testing.T) {
	if IsPermanent(errors.New("flaky")) {
		t.Error("plain errors should not be permanent")
	}
	if !IsPermanent(NewValidationError("bad")) {
		t.Error("validation errors should be permanent")
	}
}

func TestValidationError_IsInvalidInput(t *testing.T) {
	err := NewValidationError("max_attempts out of range").WithField("max_attempts").WithValue(99)
	if !Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	want := "validation error [field=max_attempts, value=99]: max_attempts out of range"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("job", "abc")
	if err.Error() != "job 'abc' not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !Is(err.WithCause(ErrJobNotFound), ErrJobNotFound) {
		t.Error("NotFoundError should match its cause")
	}
}
