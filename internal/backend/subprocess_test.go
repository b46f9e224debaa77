package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

// writeScript writes a shell script standing in for the Python orchestrator.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testRequest() Request {
	return Request{
		TaskID:   "task-1",
		Input:    "summarize the report",
		UserID:   42,
		Context:  map[string]any{"lang": "en"},
		Provider: model.Provider{Name: "claude_haiku", Model: "claude-haiku-4-5"},
	}
}

func TestSubprocess_Success(t *testing.T) {
	script := writeScript(t, `
[ "$ORCHESTRATOR_MODE" = "api" ] || exit 3
echo "log line on stderr" >&2
printf '{"success": true, "output": "%s|%s|%s|%s", "confidence": 77, "cost": 0.002}' \
  "$ORCHESTRATOR_INPUT" "$ORCHESTRATOR_USER_ID" "$ORCHESTRATOR_PROVIDER" "$ORCHESTRATOR_CONTEXT"`)

	resp, err := NewSubprocess("/bin/sh", script).Invoke(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `summarize the report|42|claude_haiku|{"lang":"en"}`, resp.Output)
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 77.0, *resp.Confidence, 0.001)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 0.002, *resp.Cost, 1e-9)
}

func TestSubprocess_EmptyContextIsObject(t *testing.T) {
	script := writeScript(t, `printf '{"success": true, "output": "%s"}' "$ORCHESTRATOR_CONTEXT"`)
	req := testRequest()
	req.Context = nil

	resp, err := NewSubprocess("/bin/sh", script).Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Output)
}

func TestSubprocess_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "boom: missing key" >&2; echo '{"success": true, "output": "ignored"}'; exit 2`)

	_, err := NewSubprocess("/bin/sh", script).Invoke(context.Background(), testRequest())
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Message, "exit code 2")
	assert.Contains(t, be.Message, "boom: missing key")
}

func TestSubprocess_MalformedStdout(t *testing.T) {
	script := writeScript(t, `echo "not json at all"`)

	_, err := NewSubprocess("/bin/sh", script).Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func TestSubprocess_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 5; echo '{"success": true, "output": "late"}'`)
	s := NewSubprocess("/bin/sh", script)
	s.waitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Invoke(ctx, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSubprocess_MissingBinary(t *testing.T) {
	_, err := NewSubprocess("/nonexistent/python3", "script.py").Invoke(context.Background(), testRequest())
	require.Error(t, err)
	assert.False(t, IsMalformed(err))
}
