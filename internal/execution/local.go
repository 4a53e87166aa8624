package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"analysis-engine/internal/workspace"
)

// LocalOptions configures the local launcher.
type LocalOptions struct {
	AnalyzerPath string
	Args         []string
	// Env is appended to the inherited process environment.
	Env     []string
	Timeout time.Duration
}

// LocalLauncher runs the analyzer directly on the host with the worker's
// environment. It is meant for development and trusted single-host setups.
type LocalLauncher struct {
	opts LocalOptions
}

func NewLocalLauncher(opts LocalOptions) *LocalLauncher {
	return &LocalLauncher{opts: opts}
}

func (l *LocalLauncher) Name() string { return EnvironmentLocal }

func (l *LocalLauncher) Validate(context.Context) ValidationResult {
	v := ValidationResult{Strategy: l.Name()}
	if l.opts.AnalyzerPath == "" {
		v.Problems = append(v.Problems, "analyzer path is not configured")
		return v
	}
	if _, err := exec.LookPath(l.opts.AnalyzerPath); err != nil {
		v.Problems = append(v.Problems, fmt.Sprintf("analyzer %s is not executable: %v", l.opts.AnalyzerPath, err))
	}
	if l.opts.Timeout < 0 {
		v.Problems = append(v.Problems, "timeout must not be negative")
	}
	return v
}

func (l *LocalLauncher) CommandConfig(ws workspace.Workspace, job JobInfo) (CommandConfig, error) {
	args := append([]string(nil), l.opts.Args...)
	args = append(args, "--source", ws.SourceDir, "--output", ws.OutputDir)

	env := os.Environ()
	env = append(env, analyzerEnv(job, ws.Root, ws.SourceDir, ws.OutputDir)...)
	env = append(env, l.opts.Env...)

	return CommandConfig{
		Executable: l.opts.AnalyzerPath,
		Args:       args,
		Env:        env,
		Dir:        ws.Root,
		Timeout:    l.opts.Timeout,
	}, nil
}
