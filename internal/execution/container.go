package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"analysis-engine/internal/workspace"
)

const containerWorkspace = "/workspace"

// ContainerOptions configures the container launcher.
type ContainerOptions struct {
	DockerPath string
	Image      string
	Args       []string
	Network    string
	Memory     string
	CPUs       string
	// User is passed to --user so that files the analyzer writes belong to
	// the worker. Defaults to the worker's own uid:gid.
	User string
	// EnvAllowlist names host variables forwarded into the container.
	// Nothing else from the worker environment is visible to the analyzer.
	EnvAllowlist []string
	Timeout      time.Duration
}

// ContainerLauncher runs the analyzer in a throwaway docker container with
// no network, capped resources and only the workspace mounted.
type ContainerLauncher struct {
	opts ContainerOptions
}

func NewContainerLauncher(opts ContainerOptions) *ContainerLauncher {
	if opts.DockerPath == "" {
		opts.DockerPath = "docker"
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	if opts.User == "" && os.Getuid() >= 0 {
		opts.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	return &ContainerLauncher{opts: opts}
}

func (c *ContainerLauncher) Name() string { return EnvironmentContainer }

func (c *ContainerLauncher) Validate(context.Context) ValidationResult {
	v := ValidationResult{Strategy: c.Name()}
	if _, err := exec.LookPath(c.opts.DockerPath); err != nil {
		v.Problems = append(v.Problems, fmt.Sprintf("container runtime %s not found: %v", c.opts.DockerPath, err))
	}
	if c.opts.Image == "" {
		v.Problems = append(v.Problems, "analyzer image is not configured")
	}
	if c.opts.Timeout <= 0 {
		v.Problems = append(v.Problems, "a timeout is required")
	}
	for _, name := range c.opts.EnvAllowlist {
		if name == "" || strings.ContainsAny(name, "= ") {
			v.Problems = append(v.Problems, fmt.Sprintf("invalid allowlisted variable %q", name))
		}
	}
	return v
}

func (c *ContainerLauncher) CommandConfig(ws workspace.Workspace, job JobInfo) (CommandConfig, error) {
	if !filepath.IsAbs(ws.Root) {
		return CommandConfig{}, &ValidationError{
			Strategy: c.Name(),
			Problems: []string{fmt.Sprintf("workspace %q is not absolute", ws.Root)},
		}
	}
	source := containerWorkspace + "/" + workspace.SourceDirName
	output := containerWorkspace + "/" + workspace.OutputDirName

	name := containerName(job)
	args := []string{
		"run", "--rm", "--init",
		"--name", name,
		"--network", c.opts.Network,
		"--security-opt", "no-new-privileges",
	}
	if c.opts.User != "" {
		args = append(args, "--user", c.opts.User)
	}
	if c.opts.Memory != "" {
		args = append(args, "--memory", c.opts.Memory)
	}
	if c.opts.CPUs != "" {
		args = append(args, "--cpus", c.opts.CPUs)
	}
	args = append(args,
		"-v", ws.Root+":"+containerWorkspace,
		"-w", containerWorkspace,
	)
	for _, kv := range analyzerEnv(job, containerWorkspace, source, output) {
		args = append(args, "-e", kv)
	}
	for _, name := range c.opts.EnvAllowlist {
		if val, ok := os.LookupEnv(name); ok {
			args = append(args, "-e", name+"="+val)
		}
	}
	args = append(args, c.opts.Image)
	args = append(args, c.opts.Args...)
	args = append(args, "--source", source, "--output", output)

	return CommandConfig{
		Executable: c.opts.DockerPath,
		Args:       args,
		Env:        dockerClientEnv(),
		Dir:        ws.Root,
		Timeout:    c.opts.Timeout,
		// Stopping the docker CLI leaves the container running.
		Cleanup: []string{c.opts.DockerPath, "rm", "--force", name},
	}, nil
}

// containerName is unique per run so that a container left behind by an
// earlier attempt never blocks the next one.
func containerName(job JobInfo) string {
	return fmt.Sprintf("analysis-%s-a%d-%s", sanitizeName(job.ID), job.Attempt, uuid.NewString()[:8])
}

// dockerClientEnv is the environment of the docker CLI itself, not of the
// analyzer.
func dockerClientEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == "PATH" || name == "HOME" || strings.HasPrefix(name, "DOCKER_") {
			env = append(env, kv)
		}
	}
	return env
}

func sanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, id)
}
