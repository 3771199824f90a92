package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"runbox/internal/runtime"
)

// DefaultTimeout is the wall-clock bound for one subprocess run.
const DefaultTimeout = 5000 * time.Millisecond

// Request describes one sandbox run. Start is the moment the worker leased
// the job; the reported duration is measured from it, not from subprocess
// spawn. A zero Start falls back to the runner's own clock.
type Request struct {
	ExecutionID string
	Language    string
	Code        string
	Start       time.Time
}

// Runner executes jobs as one subprocess each, bounded by a wall-clock
// timeout. It is safe for concurrent use; temp files are namespaced per
// execution id, so runs never collide.
type Runner struct {
	runtimes *runtime.Registry
	workDir  string
	timeout  time.Duration
}

// NewRunner creates a subprocess runner. workDir is where per-job source
// files are materialized; empty means the OS temp directory.
func NewRunner(runtimes *runtime.Registry, workDir string, timeout time.Duration) *Runner {
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		runtimes: runtimes,
		workDir:  workDir,
		timeout:  timeout,
	}
}

// CodePath returns where the source file for an execution id would be
// materialized for the given runtime extension.
func (r *Runner) CodePath(executionID, ext string) string {
	return filepath.Join(r.workDir, "exec-"+executionID+ext)
}

// Run materializes req.Code, spawns the interpreter, and races completion
// against the timeout. It always returns a classified Outcome; the temp
// file is removed on every exit path.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	start := req.Start
	if start.IsZero() {
		start = time.Now()
	}

	logger := log.With().
		Str("execution_id", req.ExecutionID).
		Str("language", req.Language).
		Logger()

	// Resolve the interpreter before touching the filesystem: an
	// unrecognized tag must leave no trace behind.
	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		logger.Warn().Err(err).Msg("no runtime for language")
		return Failed(err.Error())
	}

	codePath := r.CodePath(req.ExecutionID, rt.FileExtension())
	if err := os.WriteFile(codePath, []byte(req.Code), 0600); err != nil {
		logger.Error().Err(err).Msg("failed to write source file")
		return Failed(fmt.Sprintf("writing source file: %v", err))
	}
	defer func() {
		if err := os.Remove(codePath); err != nil && !os.IsNotExist(err) {
			// Never changes the already-determined classification.
			logger.Warn().Err(err).Str("path", codePath).Msg("temp file cleanup failed")
		}
	}()

	args := rt.Command(codePath)
	cmd := exec.Command(args[0], args[1:]...) // #nosec G204 -- argv comes from the closed runtime table
	cmd.Dir = r.workDir

	// Each job gets its own process group so a timeout kill reaps any
	// children the interpreter spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start interpreter")
		return Failed(fmt.Sprintf("starting interpreter: %v", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		duration := time.Since(start)
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				// Wait itself failed; no trustworthy exit status.
				logger.Error().Err(err).Msg("wait failed")
				return Failed(fmt.Sprintf("waiting for interpreter: %v", err))
			}
			// Non-zero exit is still a completed run; the captured
			// stderr tells the story.
		}
		logger.Debug().Dur("duration", duration).Msg("subprocess exited")
		return Completed(stdoutBuf.String(), stderrBuf.String(), duration)

	case <-timer.C:
		// Kill the whole group before anything else reads the streams.
		r.killGroup(cmd, logger)
		<-done
		logger.Warn().Dur("timeout", r.timeout).Msg("execution timed out")
		return TimedOut(time.Since(start))

	case <-ctx.Done():
		r.killGroup(cmd, logger)
		<-done
		return Failed(fmt.Sprintf("execution canceled: %v", ctx.Err()))
	}
}

func (r *Runner) killGroup(cmd *exec.Cmd, logger zerolog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logger.Warn().Err(err).Msg("process group kill failed, killing process directly")
		_ = cmd.Process.Kill()
	}
}
