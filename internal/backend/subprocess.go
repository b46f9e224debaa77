package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const subprocessName = "subprocess"

// Subprocess runs a script once per call. Parameters travel in environment
// variables; the script must print a single JSON object on stdout and exit 0.
type Subprocess struct {
	bin    string
	script string
	// waitDelay bounds how long pipes may stay open after the process is killed.
	waitDelay time.Duration
}

// NewSubprocess creates a Subprocess backend running `bin script`.
func NewSubprocess(bin, script string) *Subprocess {
	return &Subprocess{bin: bin, script: script, waitDelay: 2 * time.Second}
}

// Invoke runs the script. A non-zero exit, a start failure or a malformed
// stdout payload are all errors; ctx expiry kills the process.
func (s *Subprocess) Invoke(ctx context.Context, req Request) (*Response, error) {
	taskCtx := req.Context
	if taskCtx == nil {
		taskCtx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(taskCtx)
	if err != nil {
		return nil, eris.Wrap(err, "subprocess: marshal context")
	}

	cmd := exec.CommandContext(ctx, s.bin, s.script)
	cmd.Env = append(os.Environ(),
		"ORCHESTRATOR_MODE=api",
		"ORCHESTRATOR_INPUT="+req.Input,
		"ORCHESTRATOR_USER_ID="+strconv.FormatInt(req.UserID, 10),
		"ORCHESTRATOR_CONTEXT="+string(ctxJSON),
		"ORCHESTRATOR_TASK_ID="+req.TaskID,
		"ORCHESTRATOR_PROVIDER="+req.Provider.Name,
		"ORCHESTRATOR_MODEL="+req.Provider.Model,
	)
	cmd.WaitDelay = s.waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, eris.Wrap(ctxErr, "subprocess: call interrupted")
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			zap.L().Warn("subprocess: script failed",
				zap.String("script", s.script),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("stderr", tail(stderr.String(), 500)),
			)
			return nil, &BackendError{
				Backend: subprocessName,
				Message: "exit code " + strconv.Itoa(exitErr.ExitCode()) + ": " + tail(stderr.String(), 500),
			}
		}
		return nil, eris.Wrapf(runErr, "subprocess: run %s", s.script)
	}

	resp, err := decodeResponse(subprocessName, stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = elapsed.Milliseconds()
	}
	return resp, nil
}
