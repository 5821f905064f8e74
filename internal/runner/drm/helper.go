package drm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
)

// exitTempFail is the helper exit status for "try again later" (sysexits EX_TEMPFAIL).
const exitTempFail = 75

// status is what "<helper> status <id>" prints.
type status struct {
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// helper runs the external DRM helper program.
type helper struct {
	path string
	sem  *semaphore.Weighted
	// (for testing) if non-nil, called instead of exec.CommandContext.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd
}

func (h *helper) command(ctx context.Context, args ...string) *exec.Cmd {
	if f := h.stubCommand; f != nil {
		return f(ctx, h.path, args...)
	}
	return exec.CommandContext(ctx, h.path, args...)
}

// run executes one helper invocation under the concurrency limit and
// returns its trimmed stdout.
func (h *helper) run(ctx context.Context, args ...string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	cmd := h.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return strings.TrimSpace(string(out)), withStderr(err, stderr.String())
	}
	return strings.TrimSpace(string(out)), nil
}

func withStderr(err error, stderr string) error {
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return fmt.Errorf("%w (%q)", err, stderr)
	}
	return err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// submit hands the job description to the helper and returns the backend id.
func (h *helper) submit(ctx context.Context, descriptionPath string) (string, error) {
	out, err := h.run(ctx, "submit", descriptionPath)
	if err != nil {
		if exitCode(err) == exitTempFail {
			return "", apperrors.Transient("drm.submit", err)
		}
		return "", apperrors.Submission("drm.submit", err)
	}
	id := strings.TrimSpace(lastLine(out))
	if id == "" {
		return "", apperrors.Submission("drm.submit", errors.New("helper printed no job id"))
	}
	return id, nil
}

func (h *helper) status(ctx context.Context, id string) (*status, error) {
	out, err := h.run(ctx, "status", id)
	if err != nil {
		return nil, apperrors.Transient("drm.status", err)
	}
	var st status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		return nil, apperrors.Transient("drm.status", fmt.Errorf("decode %q: %w", out, err))
	}
	return &st, nil
}

// kill cancels id, treating an already finished or unknown job as success.
func (h *helper) kill(ctx context.Context, id string) error {
	out, err := h.run(ctx, "kill", id)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(out + " " + err.Error())
	if strings.Contains(msg, "already finished") || strings.Contains(msg, "unknown job") {
		return nil
	}
	return apperrors.Internal("drm.kill", err)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
