package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Command is one external program invocation. Env entries are appended to the
// worker's own environment.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Comment string // human readable description, logged at info level
}

func (c Command) String() string {
	var sb strings.Builder
	for _, e := range c.Env {
		sb.WriteString(e)
		sb.WriteByte(' ')
	}
	sb.WriteString(c.Name)
	for _, a := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(a)
	}
	return sb.String()
}

// ExitError is returned when a command cannot be started or exits non-zero.
// Output holds everything the command wrote to stdout and stderr.
type ExitError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLines(out, 20)
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode is the process exit status, or -1 when it never ran to completion
func (e *ExitError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Runner is the single place external programs are executed
type Runner struct {
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger.Named("shell")}
}

// Run executes c and blocks until it exits or ctx is done. It returns stdout.
func (r *Runner) Run(ctx context.Context, c Command) (string, error) {
	if c.Comment != "" {
		r.logger.Info(c.Comment)
	}
	r.logger.Debug("Running command", zap.String("cmd", c.String()), zap.String("dir", c.Dir))

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(filterOtelEnv(os.Environ()), c.Env...)

	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = combined

	err := cmd.Run()
	output := combined.String()
	if output != "" {
		r.logger.Debug("Command output", zap.String("cmd", c.Name), zap.String("output", output))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return stdout.String(), &ExitError{Command: c.String(), Output: output, Err: err}
	}
	return stdout.String(), nil
}

// filterOtelEnv drops the collector settings so child processes do not export
// telemetry under the worker's identity
func filterOtelEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "OTEL_") || strings.HasPrefix(e, "OTLP_") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return "...\n" + strings.Join(lines[len(lines)-n:], "\n")
}

// lockedBuffer lets stdout and stderr copy goroutines share one buffer
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
