// Package supervisor runs and restarts child processes: a process entry is
// started with a shell command, watched on its own goroutine, and either
// left dead (RunOnce) or restarted (RestartOnCrash) according to its
// policy.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/UofSSpaceTeam/robocluster"
)

// ErrNameConflict is returned by Manager.Create when the name is already
// registered. It is devmesh.ErrNameConflict.
var ErrNameConflict = devmesh.ErrNameConflict

// ErrProcessStartFailed wraps a failure to start or restart a process. It
// is devmesh.ErrProcessStartFailed.
var ErrProcessStartFailed = devmesh.ErrProcessStartFailed

// ErrUnknownProcess is returned when an operation names a process that was
// never created.
var ErrUnknownProcess = errors.New("supervisor: unknown process")

// Entry tracks one supervised process: its command, policy, and the
// currently running *exec.Cmd, if any.
type Entry struct {
	Name    string
	Command string
	Policy  Policy

	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	killed   bool
	exitCode int
	wg       sync.WaitGroup
}

func newEntry(name, command string, policy Policy, logger *zap.Logger) *Entry {
	return &Entry{Name: name, Command: command, Policy: policy, logger: logger}
}

// Start launches the process if it isn't already running.
func (e *Entry) Start() error {
	e.mu.Lock()
	if e.cmd != nil {
		e.mu.Unlock()
		return nil
	}
	args, err := splitCommand(e.Command)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}
	if len(args) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: empty command", ErrProcessStartFailed)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}
	e.cmd = cmd
	e.killed = false
	e.mu.Unlock()

	e.wg.Add(1)
	go e.wait(cmd)
	e.logger.Info("process started", zap.String("name", e.Name), zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (e *Entry) wait(cmd *exec.Cmd) {
	defer e.wg.Done()
	err := cmd.Wait()
	code := exitCodeFrom(cmd, err)

	e.mu.Lock()
	e.cmd = nil
	e.exitCode = code
	killed := e.killed
	e.mu.Unlock()

	e.logger.Info("process exited",
		zap.String("name", e.Name),
		zap.Int("code", code),
		zap.Bool("killed", killed))

	if e.Policy == RestartOnCrash && code != 0 && !killed {
		e.logger.Info("restarting process", zap.String("name", e.Name))
		if err := e.Start(); err != nil {
			e.logger.Error("restart failed", zap.String("name", e.Name), zap.Error(err))
		}
	}
}

func exitCodeFrom(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Stop sends SIGTERM, waits up to timeout for the process to exit, then
// sends SIGKILL. Stop on a process that isn't running is a no-op.
func (e *Entry) Stop(timeout time.Duration) error {
	e.mu.Lock()
	cmd := e.cmd
	e.killed = true
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Warn("sigterm failed", zap.String("name", e.Name), zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("supervisor: kill %s: %w", e.Name, err)
		}
		<-done
		return nil
	}
}

// ExitCode returns the last observed exit code, or 0 if the process has
// never exited.
func (e *Entry) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode
}

// Running reports whether the process is currently running.
func (e *Entry) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}
