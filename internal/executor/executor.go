// Package executor runs external commands and reports their exit status.
//
// Commands are executed directly (argv, no shell). A zero exit status is the
// only success value. Failures to launch or wait on a process are reported as
// FailExitCode and logged, never returned as errors, so callers treat every
// outcome as data.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/evexec/internal/executor Executor

const (
	// SuccessExitCode is the only exit status treated as success.
	SuccessExitCode = 0

	// FailExitCode is reported when a command could not be started, waited
	// on, or was killed after its timeout.
	FailExitCode = -1

	// maxOutputBytes caps the amount of stdout/stderr kept per command.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Command is one external command invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries (KEY=VALUE) are added to the inherited environment of the
	// child only. Values are never logged.
	Env []string
	// Timeout bounds the run time. Zero means no limit.
	Timeout time.Duration
}

// String renders the command for logs. Env is deliberately omitted.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Executor runs one command synchronously and returns its exit status.
type Executor interface {
	Run(ctx context.Context, cmd Command) int
}

// Exec is the os/exec backed Executor.
type Exec struct {
	logger      *slog.Logger
	gracePeriod time.Duration
}

var _ Executor = (*Exec)(nil)

// New creates an Exec that logs through logger.
func New(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{
		logger:      logger.With("component", "executor"),
		gracePeriod: terminationGracePeriod,
	}
}

// Run executes cmd and blocks until it exits.
func (e *Exec) Run(ctx context.Context, cmd Command) int {
	logger := e.logger.With("command", cmd.Name, "dir", cmd.Dir)
	if cmd.Name == "" {
		logger.Error("command name is empty")
		return FailExitCode
	}

	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &cappedWriter{buf: &stdout, limit: maxOutputBytes}
	c.Stderr = &cappedWriter{buf: &stderr, limit: maxOutputBytes}

	start := time.Now()
	logger.Debug("starting command", "argv", cmd.String())
	if err := c.Start(); err != nil {
		logger.Error("failed to start command", "error", err)
		return FailExitCode
	}

	err := e.wait(ctx, c, cmd.Timeout, logger)
	duration := time.Since(start)

	if stdout.Len() > 0 {
		logger.Debug("command stdout", "output", stdout.String())
	}
	if stderr.Len() > 0 {
		logger.Debug("command stderr", "output", stderr.String())
	}

	code := exitCode(err)
	if code == FailExitCode {
		logger.Error("command did not complete", "error", err, "duration_ms", duration.Milliseconds())
		return code
	}
	logger.Info("command finished", "exit_code", code, "duration_ms", duration.Milliseconds())
	return code
}

// errTimedOut marks a process terminated because its timeout elapsed.
var errTimedOut = errors.New("command timed out")

// wait blocks until c exits. When timeout (or ctx) fires first the process is
// sent SIGTERM, then SIGKILL after the grace period.
func (e *Exec) wait(ctx context.Context, c *exec.Cmd, timeout time.Duration, logger *slog.Logger) error {
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-waitErr:
		return err
	case <-timeoutC:
		logger.Warn("command timed out, sending SIGTERM", "timeout", timeout)
	case <-ctx.Done():
		logger.Warn("command cancelled, sending SIGTERM")
	}

	if err := c.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.gracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := c.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	return errTimedOut
}

func exitCode(err error) int {
	if err == nil {
		return SuccessExitCode
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return FailExitCode
}

// cappedWriter keeps at most limit bytes and silently discards the rest.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// Describe formats a command with its working directory, for log lines.
func Describe(cmd Command) string {
	if cmd.Dir == "" {
		return cmd.String()
	}
	return fmt.Sprintf("(in %s) %s", cmd.Dir, cmd.String())
}
