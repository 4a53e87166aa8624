// Package execution runs the external analyzer for a job. Strategy owns the
// process lifecycle; a Launcher only decides whether it can run here and what
// command to run.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"analysis-engine/internal/workspace"
)

const (
	DefaultKillGrace = 10 * time.Second
	DefaultTailBytes = 8 << 10

	exitStderrBytes = 512
)

// JobInfo is what a launcher needs to know about the job being run.
type JobInfo struct {
	ID      string
	Profile string
	Attempt int
}

// CommandConfig is a fully resolved analyzer invocation.
type CommandConfig struct {
	Executable string
	Args       []string
	Env        []string
	Dir        string
	// Timeout of zero means no limit.
	Timeout time.Duration
	// Cleanup is a command run after the analyzer was stopped by a timeout
	// or cancellation, for launchers whose process outlives its client.
	Cleanup []string
}

// ValidationResult lists what prevents a launcher from running.
type ValidationResult struct {
	Strategy string
	Problems []string
}

func (v ValidationResult) OK() bool { return len(v.Problems) == 0 }

// Err returns a *ValidationError, or nil when there are no problems.
func (v ValidationResult) Err() error {
	if v.OK() {
		return nil
	}
	return &ValidationError{Strategy: v.Strategy, Problems: v.Problems}
}

// Launcher is the variable part of a strategy.
type Launcher interface {
	Name() string
	Validate(ctx context.Context) ValidationResult
	CommandConfig(ws workspace.Workspace, job JobInfo) (CommandConfig, error)
}

// Result is the outcome of a run that started and exited. A non-zero
// ExitCode is reported here, not as an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Err converts a non-zero exit into an *ExitError carrying the last
// exitStderrBytes of stderr.
func (r Result) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: r.ExitCode, Stderr: strings.TrimSpace(lastBytes(r.Stderr, exitStderrBytes))}
}

// Strategy runs analyzers through its Launcher.
type Strategy struct {
	Launcher
	// KillGrace is how long the analyzer gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// TailBytes caps the stdout and stderr kept in Result.
	TailBytes int
}

func NewStrategy(l Launcher) *Strategy {
	return &Strategy{Launcher: l, KillGrace: DefaultKillGrace, TailBytes: DefaultTailBytes}
}

var errTimedOut = errors.New("analyzer time limit reached")

// Execute runs the analyzer for job in ws, passing each stdout line to onLine
// as it arrives. When ctx is canceled the analyzer is terminated and the
// context's cause is returned.
func (s *Strategy) Execute(ctx context.Context, ws workspace.Workspace, job JobInfo, onLine func(string)) (Result, error) {
	cc, err := s.CommandConfig(ws, job)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cc.Timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, cc.Timeout, errTimedOut)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, cc.Executable, cc.Args...)
	cmd.Dir = cc.Dir
	cmd.Env = cc.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.killGrace()

	stdout := newLineWriter(onLine, s.TailBytes)
	stderr := newTailBuffer(s.TailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start analyzer: %w", err)
	}
	waitErr := cmd.Wait()
	stdout.Flush()

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.tail.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if runCtx.Err() != nil {
		cleanupErr := s.cleanup(cc)
		if ctx.Err() != nil {
			return res, errors.Join(context.Cause(ctx), cleanupErr)
		}
		if errors.Is(context.Cause(runCtx), errTimedOut) {
			return res, errors.Join(&TimeoutError{Timeout: cc.Timeout}, cleanupErr)
		}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, nil
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) && res.ExitCode == 0 {
			return res, nil
		}
		return res, fmt.Errorf("wait analyzer: %w", waitErr)
	}
	return res, nil
}

// cleanup runs cc.Cleanup with its own deadline; the job context is already
// done at this point.
func (s *Strategy) cleanup(cc CommandConfig) error {
	if len(cc.Cleanup) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.killGrace())
	defer cancel()
	cmd := exec.CommandContext(ctx, cc.Cleanup[0], cc.Cleanup[1:]...)
	cmd.Env = cc.Env
	cmd.Dir = cc.Dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cleanup analyzer: %w: %s", err, strings.TrimSpace(lastBytes(string(out), exitStderrBytes)))
	}
	return nil
}

func (s *Strategy) killGrace() time.Duration {
	if s.KillGrace > 0 {
		return s.KillGrace
	}
	return DefaultKillGrace
}

// analyzerEnv is the environment contract shared by all launchers.
func analyzerEnv(job JobInfo, workspaceDir, sourceDir, outputDir string) []string {
	return []string{
		"JOB_ID=" + job.ID,
		"ANALYSIS_PROFILE=" + job.Profile,
		"WORKSPACE_DIR=" + workspaceDir,
		"SOURCE_DIR=" + sourceDir,
		"OUTPUT_DIR=" + outputDir,
	}
}
