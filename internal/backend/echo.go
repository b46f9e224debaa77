package backend

import (
	"context"
	"fmt"
	"time"
)

// Echo answers locally without calling any model. It is meant for
// development and smoke tests; providers of kind "echo" route here.
type Echo struct {
	// Confidence, when set, is reported on every response.
	Confidence *float64
	// Delay simulates backend latency.
	Delay time.Duration
}

// Invoke returns the input prefixed with the provider name.
func (e *Echo) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	resp := &Response{
		Output:    fmt.Sprintf("[%s] %s", req.Provider.Name, req.Input),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if e.Confidence != nil {
		c := *e.Confidence
		resp.Confidence = &c
	}
	return resp, nil
}
