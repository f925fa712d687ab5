// Package executor implements the protocol jobctl uses to call the
// external executor binary and recover its reply: invocation (spec.md
// §4.8.1), task-id/reply extraction (§4.8.3), and the schema validation of
// §4.2.1 step 8. Grounded on the teacher's argv-only subprocess invocation
// throughout internal/rpi and the safety posture documented in its
// internal/safety/doc.go (never build a shell string; array-form exec
// only).
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Options configures one executor invocation.
type Options struct {
	Binary      string
	OneShotFlag string
	PromptFile  string
	AttachFiles []string
	WorkDir     string
	Timeout     time.Duration
	ExtraArgs   []string
}

// Result is the raw outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Invoke spawns the executor with an argv built from opts: the binary, its
// one-shot flag, `--file <prompt>`, and one `--file` per attachment. It
// never passes a shell string. stdout and stderr are captured separately
// so the caller can scan stdout alone for the task id.
func Invoke(ctx context.Context, opts Options) (Result, error) {
	args := []string{}
	if opts.OneShotFlag != "" {
		args = append(args, opts.OneShotFlag)
	}
	args = append(args, "--file", opts.PromptFile)
	for _, f := range opts.AttachFiles {
		args = append(args, "--file", f)
	}
	args = append(args, opts.ExtraArgs...)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.Binary, args...)
	cmd.Dir = opts.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = 124
		return result, fmt.Errorf("executor timed out after %s", opts.Timeout)
	}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("executor exited with status %d: %w", result.ExitCode, err)
	}
	return result, fmt.Errorf("executor invocation failed: %w", err)
}

var (
	taskCreatedRe = regexp.MustCompile(`Task created:\s*(\S+)`)
	uuidRe        = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// ErrNoTaskID is returned when the executor's stdout contains neither a
// `Task created: <id>` line nor a bare UUID.
var ErrNoTaskID = fmt.Errorf("no task id found in executor stdout")

// ParseTaskID extracts the task id from the executor's stdout per
// spec.md §4.8.3: first a `Task created: X` line, else the first UUID
// match, else ErrNoTaskID.
func ParseTaskID(stdout string) (string, error) {
	if m := taskCreatedRe.FindStringSubmatch(stdout); m != nil {
		return m[1], nil
	}
	if m := uuidRe.FindString(stdout); m != "" {
		return m, nil
	}
	return "", ErrNoTaskID
}
