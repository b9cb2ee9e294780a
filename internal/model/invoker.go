package model

import (
	"context"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
)

// DefaultCallTimeout applies to calls that do not set their own.
const DefaultCallTimeout = 2 * time.Minute

// Call is one prompt against one model spec, labelled for tracing.
type Call struct {
	// Model is a "provider:model" spec; see ParseSpec.
	Model     string
	System    string
	History   []Message
	Prompt    string
	MaxTokens int
	JSON      bool
	Timeout   time.Duration

	ConversationID string
	Stage          string
	AgentID        string
}

// Invoker runs calls. Implementations must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Response, error)
}

// CallRecord describes a finished call for the trace store.
type CallRecord struct {
	ConversationID string
	Stage          string
	AgentID        string
	Model          string
	Started        time.Time
	Duration       time.Duration
	OK             bool
	Error          string
	InputTokens    int64
	OutputTokens   int64
}

// Recorder receives a CallRecord after every call.
type Recorder interface {
	RecordCall(rec CallRecord)
}

// RegistryInvoker resolves specs against a Registry and enforces per-call
// timeouts.
type RegistryInvoker struct {
	registry *Registry
	logger   *logging.Logger
	recorder Recorder
	now      func() time.Time
}

var _ Invoker = (*RegistryInvoker)(nil)

// InvokerOption configures a RegistryInvoker.
type InvokerOption func(*RegistryInvoker)

// WithInvokerLogger sets the logger.
func WithInvokerLogger(l *logging.Logger) InvokerOption {
	return func(i *RegistryInvoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithRecorder records every call to r.
func WithRecorder(r Recorder) InvokerOption {
	return func(i *RegistryInvoker) { i.recorder = r }
}

// NewInvoker creates an Invoker over registry.
func NewInvoker(registry *Registry, opts ...InvokerOption) *RegistryInvoker {
	i := &RegistryInvoker{
		registry: registry,
		logger:   logging.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke runs call. A call exceeding its timeout fails with a retryable
// TimeoutError; cancellation of ctx itself is returned as ctx.Err().
func (i *RegistryInvoker) Invoke(ctx context.Context, call Call) (Response, error) {
	spec := ParseSpec(call.Model)
	if spec.IsZero() {
		return Response{}, errors.NewValidationError("model spec is empty").WithField("model")
	}
	provider, err := i.registry.Get(spec.Provider)
	if err != nil {
		return Response{}, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]Message, 0, len(call.History)+1)
	messages = append(messages, call.History...)
	messages = append(messages, Message{Role: RoleUser, Content: call.Prompt})

	started := i.now()
	resp, err := provider.Complete(callCtx, Request{
		Model:     spec.Model,
		System:    call.System,
		Messages:  messages,
		MaxTokens: call.MaxTokens,
		JSON:      call.JSON,
	})
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = errors.NewTimeoutError("model call "+spec.String(), timeout).WithCause(err)
	}
	i.record(call, spec, started, resp, err)
	return resp, err
}

func (i *RegistryInvoker) record(call Call, spec Spec, started time.Time, resp Response, err error) {
	elapsed := i.now().Sub(started)
	log := i.logger.With("model", spec.String(), "stage", call.Stage, "agent_id", call.AgentID, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		log.Warn("model call failed", "error", err)
	} else {
		log.Debug("model call completed", "output_tokens", resp.Usage.OutputTokens)
	}

	if i.recorder == nil {
		return
	}
	rec := CallRecord{
		ConversationID: call.ConversationID,
		Stage:          call.Stage,
		AgentID:        call.AgentID,
		Model:          spec.String(),
		Started:        started,
		Duration:       elapsed,
		OK:             err == nil,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	i.recorder.RecordCall(rec)
}
