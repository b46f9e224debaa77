package model

import "fmt"

// FailureKind classifies why a provider call did not yield a result.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureBackend     FailureKind = "backend_error"
	FailureMalformed   FailureKind = "malformed_response"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureCancelled   FailureKind = "cancelled"
	FailureUnsupported FailureKind = "unsupported_provider"
)

// ExecutionResult is a successful provider call.
type ExecutionResult struct {
	Confidence   float64 `json:"confidence"`
	Cost         float64 `json:"cost"`
	LatencyMs    int64   `json:"latency_ms"`
	Output       string  `json:"output"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// ExecutionFailure is a provider call that produced no usable result.
type ExecutionFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *ExecutionFailure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Outcome is the executor's report for one provider call. Exactly one of
// Result and Failure is set.
type Outcome struct {
	Provider  string            `json:"provider"`
	Result    *ExecutionResult  `json:"result,omitempty"`
	Failure   *ExecutionFailure `json:"failure,omitempty"`
	LatencyMs int64             `json:"latency_ms"`
}

// Succeeded reports whether the call produced a result.
func (o Outcome) Succeeded() bool {
	return o.Result != nil && o.Failure == nil
}

// Succeed builds a successful outcome.
func Succeed(provider string, r ExecutionResult) Outcome {
	return Outcome{Provider: provider, Result: &r, LatencyMs: r.LatencyMs}
}

// Fail builds a failed outcome.
func Fail(provider string, kind FailureKind, msg string, latencyMs int64) Outcome {
	return Outcome{
		Provider:  provider,
		Failure:   &ExecutionFailure{Kind: kind, Message: msg},
		LatencyMs: latencyMs,
	}
}
