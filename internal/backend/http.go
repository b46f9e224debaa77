package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

const (
	httpName        = "http"
	maxResponseBody = 4 << 20
)

// HTTP posts the request as JSON to the provider's endpoint and expects the
// same single-object response a subprocess prints.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP backend. The per-call deadline comes from ctx;
// timeout is an outer bound for callers that pass a context without one.
func NewHTTP(timeout time.Duration) *HTTP {
	return &HTTP{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke posts to req.Provider.Endpoint.
func (h *HTTP) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Provider.Endpoint == "" {
		return nil, eris.Errorf("http: provider %s has no endpoint", req.Provider.Name)
	}

	body, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return nil, eris.Wrap(err, "http: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Provider.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "http: call %s", req.Provider.Name)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, eris.Wrap(err, "http: read response")
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &BackendError{
			Backend: httpName,
			Message: "unexpected status " + resp.Status + ": " + tail(string(respBody), 300),
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	out, err := decodeResponse(httpName, respBody)
	if err != nil {
		return nil, err
	}
	if out.LatencyMs == 0 {
		out.LatencyMs = elapsed.Milliseconds()
	}
	return out, nil
}
