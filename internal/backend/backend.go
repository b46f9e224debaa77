// Package backend defines the port to out-of-process inference backends and
// its implementations: a subprocess script, a JSON-over-HTTP service, the
// Anthropic and Perplexity APIs, and a local echo backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

// Request is one call to a provider.
type Request struct {
	TaskID     string
	Input      string
	UserID     int64
	Context    map[string]any
	Provider   model.Provider
	Complexity float64
}

// Response is a successful provider result. Confidence and Cost are nil when
// the backend does not report them; the executor fills them in.
type Response struct {
	Output       string
	Confidence   *float64
	Cost         *float64
	LatencyMs    int64
	InputTokens  int64
	OutputTokens int64
}

// Backend invokes a provider. Implementations must return an error, never an
// empty success, when the call does not produce a well-formed result.
type Backend interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to Backend.
type Func func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// MalformedError reports a response that did not have the expected shape.
type MalformedError struct {
	Backend string
	Reason  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Backend, e.Reason)
}

func malformed(backend, format string, args ...any) error {
	return &MalformedError{Backend: backend, Reason: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// ErrUnsupported is returned by Set.For when no backend serves a provider kind.
var ErrUnsupported = eris.New("no backend registered for provider kind")

// Set maps provider kinds to backends.
type Set struct {
	mu     sync.RWMutex
	byKind map[string]Backend
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{byKind: make(map[string]Backend)}
}

// Register binds a provider kind to b, replacing any previous binding.
func (s *Set) Register(kind string, b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[kind] = b
}

// For returns the backend that serves p.
func (s *Set) For(p model.Provider) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byKind[p.Kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupported, "provider %s kind %q", p.Name, p.Kind)
	}
	return b, nil
}

// Kinds returns the registered kinds, sorted.
func (s *Set) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// wireRequest is the JSON body sent to HTTP backends.
type wireRequest struct {
	TaskID     string         `json:"task_id"`
	Input      string         `json:"input"`
	UserID     int64          `json:"user_id"`
	Context    map[string]any `json:"context"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model,omitempty"`
	Complexity float64        `json:"complexity"`
}

func newWireRequest(req Request) wireRequest {
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return wireRequest{
		TaskID:     req.TaskID,
		Input:      req.Input,
		UserID:     req.UserID,
		Context:    ctx,
		Provider:   req.Provider.Name,
		Model:      req.Provider.Model,
		Complexity: req.Complexity,
	}
}

// wireResponse is the single JSON object a subprocess or HTTP backend returns.
// Pointer fields distinguish "absent" from zero.
type wireResponse struct {
	Success         *bool    `json:"success"`
	Output          *string  `json:"output"`
	Confidence      *float64 `json:"confidence"`
	Cost            *float64 `json:"cost"`
	LatencyMs       *int64   `json:"latency_ms"`
	ExecutionTimeMs *int64   `json:"execution_time_ms"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	Error           string   `json:"error"`
}

// BackendError is a structured failure the backend reported about itself.
type BackendError struct {
	Backend string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

// decodeResponse parses exactly one JSON object. success and output are
// required; confidence must be within 0-100 and cost non-negative.
func decodeResponse(backend string, data []byte) (*Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, malformed(backend, "empty response")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var w wireResponse
	if err := dec.Decode(&w); err != nil {
		return nil, malformed(backend, "invalid JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, malformed(backend, "trailing content after JSON object")
	}

	if w.Success == nil {
		return nil, malformed(backend, "missing success field")
	}
	if !*w.Success {
		msg := strings.TrimSpace(w.Error)
		if msg == "" {
			msg = "backend reported failure without a message"
		}
		return nil, &BackendError{Backend: backend, Message: msg}
	}
	if w.Output == nil {
		return nil, malformed(backend, "missing output field")
	}
	if w.Confidence != nil && (*w.Confidence < 0 || *w.Confidence > 100) {
		return nil, malformed(backend, "confidence %v outside 0-100", *w.Confidence)
	}
	if w.Cost != nil && *w.Cost < 0 {
		return nil, malformed(backend, "negative cost %v", *w.Cost)
	}

	resp := &Response{
		Output:       *w.Output,
		Confidence:   w.Confidence,
		Cost:         w.Cost,
		InputTokens:  w.InputTokens,
		OutputTokens: w.OutputTokens,
	}
	switch {
	case w.LatencyMs != nil:
		resp.LatencyMs = *w.LatencyMs
	case w.ExecutionTimeMs != nil:
		resp.LatencyMs = *w.ExecutionTimeMs
	}
	return resp, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
