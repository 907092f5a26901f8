package upscale

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// RunResult is the outcome of a finished subprocess.
type RunResult struct {
	ExitCode   int
	StderrTail string
}

// Runner abstracts subprocess execution so the upscaler can be tested
// without Python or Real-ESRGAN installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

// ExecRunner runs commands on the local host, streaming their output to
// Stdout/Stderr (either may be nil).
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Dir    string
}

// Run executes name with args. The exit code is 127 when the executable
// cannot be started at all.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir

	tail := &tailBuffer{max: 4096}
	cmd.Stdout = orDiscard(r.Stdout)
	cmd.Stderr = io.MultiWriter(orDiscard(r.Stderr), tail)

	err := cmd.Run()
	if err == nil {
		return RunResult{}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return RunResult{ExitCode: exitErr.ExitCode(), StderrTail: tail.String()}, err
	}

	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return RunResult{ExitCode: exitCode, StderrTail: tail.String()}, err
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
