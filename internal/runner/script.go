package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/tool"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Files the job script leaves in the working directory.
const (
	ScriptFile   = "job.sh"
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
	ExitCodeFile = "exit_code"
)

// maxCapture bounds how much of stdout/stderr is kept on the job record.
const maxCapture = 64 << 10

// BuildJobScript renders the wrapper script for job. The script runs the
// command line in the working directory, captures its streams and writes
// the exit code last, through a rename, so a present exit_code file always
// means the command finished.
func BuildJobScript(job *model.Job) string {
	dir := tool.Quote(job.WorkingDir)
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# job %s attempt %d\n", job.ID, job.Attempt)
	fmt.Fprintf(&b, "cd %s || exit 1\n", dir)
	b.WriteString("rm -f " + ExitCodeFile + "\n")
	fmt.Fprintf(&b, "( %s ) > %s 2> %s\n", job.CommandLine, StdoutFile, StderrFile)
	b.WriteString("echo $? > " + ExitCodeFile + ".tmp\n")
	b.WriteString("mv " + ExitCodeFile + ".tmp " + ExitCodeFile + "\n")
	return b.String()
}

// WriteJobScript writes the wrapper script into the job's working directory
// and returns its path.
func WriteJobScript(job *model.Job) (string, error) {
	if job.WorkingDir == "" {
		return "", apperrors.Validation("workingDir", "job has no working directory")
	}
	path := filepath.Join(job.WorkingDir, ScriptFile)
	if err := os.WriteFile(path, []byte(BuildJobScript(job)), 0o755); err != nil {
		return "", apperrors.Submission("write job script", err)
	}
	return path, nil
}

// Finished reports whether the job script in dir has written its exit code.
func Finished(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ExitCodeFile))
	return err == nil
}

// CollectResult reads what the job script left in dir.
func CollectResult(dir string) (*Result, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ExitCodeFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Tool("job finished without writing an exit code")
	}
	if err != nil {
		return nil, apperrors.Transient("read exit code", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, apperrors.Tool(fmt.Sprintf("malformed exit code %q", strings.TrimSpace(string(raw))))
	}
	return &Result{
		ExitCode: code,
		Stdout:   readTail(filepath.Join(dir, StdoutFile)),
		Stderr:   readTail(filepath.Join(dir, StderrFile)),
	}, nil
}

// readTail returns the last maxCapture bytes of path, or "" if unreadable.
func readTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > maxCapture {
		if _, err := f.Seek(-maxCapture, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, maxCapture))
	if err != nil {
		return ""
	}
	return string(bytes.ToValidUTF8(data, []byte("?")))
}
