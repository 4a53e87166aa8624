package execution

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-engine/internal/workspace"
)

func TestContainerValidate(t *testing.T) {
	l := NewContainerLauncher(ContainerOptions{DockerPath: "/definitely/not/docker", EnvAllowlist: []string{"A=B"}})
	v := l.Validate(context.Background())
	assert.Len(t, v.Problems, 4)
	assert.Equal(t, EnvironmentContainer, v.Strategy)
}

func TestContainerCommandConfig(t *testing.T) {
	t.Setenv("ANALYZER_API_KEY", "k-123")
	t.Setenv("WORKER_DB_PASSWORD", "secret")
	t.Setenv("DOCKER_HOST", "unix:///var/run/docker.sock")

	l := NewContainerLauncher(ContainerOptions{
		Image:        "analyzer:1.4",
		Args:         []string{"--lang", "en"},
		Memory:       "2g",
		CPUs:         "1.5",
		User:         "1000:1000",
		EnvAllowlist: []string{"ANALYZER_API_KEY", "UNSET_VARIABLE"},
		Timeout:      30 * time.Minute,
	})
	ws := workspace.Workspace{Root: "/tmp/ws-1", SourceDir: "/tmp/ws-1/source", OutputDir: "/tmp/ws-1/output"}

	cc, err := l.CommandConfig(ws, JobInfo{ID: "job/9", Profile: "quick", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, "docker", cc.Executable)
	assert.Equal(t, 30*time.Minute, cc.Timeout)

	joined := strings.Join(cc.Args, " ")
	assert.True(t, strings.HasPrefix(joined, "run --rm --init --name analysis-job-9-a2-"), joined)
	assert.Contains(t, joined, "--network none --security-opt no-new-privileges --user 1000:1000")
	assert.Contains(t, joined, "--memory 2g --cpus 1.5")
	assert.Contains(t, joined, "-v /tmp/ws-1:/workspace -w /workspace")
	assert.Contains(t, joined, "-e JOB_ID=job/9")
	assert.Contains(t, joined, "-e ANALYSIS_PROFILE=quick")
	assert.Contains(t, joined, "-e OUTPUT_DIR=/workspace/output")
	assert.Contains(t, joined, "-e ANALYZER_API_KEY=k-123")
	assert.NotContains(t, joined, "WORKER_DB_PASSWORD")
	assert.NotContains(t, joined, "UNSET_VARIABLE")
	assert.True(t, strings.HasSuffix(joined, "analyzer:1.4 --lang en --source /workspace/source --output /workspace/output"), joined)

	assert.Contains(t, cc.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	for _, kv := range cc.Env {
		assert.False(t, strings.HasPrefix(kv, "WORKER_DB_PASSWORD="))
	}
}

func TestContainerRejectsRelativeWorkspace(t *testing.T) {
	l := NewContainerLauncher(ContainerOptions{Image: "analyzer", Timeout: time.Minute})
	_, err := l.CommandConfig(workspace.Workspace{Root: "ws"}, JobInfo{ID: "job-1"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func containerNameArg(t *testing.T, cc CommandConfig) string {
	t.Helper()
	for i, arg := range cc.Args {
		if arg == "--name" && i+1 < len(cc.Args) {
			return cc.Args[i+1]
		}
	}
	t.Fatalf("no --name in %v", cc.Args)
	return ""
}

func TestContainerNameUniquePerRun(t *testing.T) {
	l := NewContainerLauncher(ContainerOptions{Image: "analyzer", Timeout: time.Minute})
	ws := workspace.Workspace{Root: "/tmp/ws-1"}

	first, err := l.CommandConfig(ws, JobInfo{ID: "job-1", Attempt: 1})
	require.NoError(t, err)
	second, err := l.CommandConfig(ws, JobInfo{ID: "job-1", Attempt: 2})
	require.NoError(t, err)
	again, err := l.CommandConfig(ws, JobInfo{ID: "job-1", Attempt: 2})
	require.NoError(t, err)

	names := []string{containerNameArg(t, first), containerNameArg(t, second), containerNameArg(t, again)}
	assert.True(t, strings.HasPrefix(names[0], "analysis-job-1-a1-"), names[0])
	assert.True(t, strings.HasPrefix(names[1], "analysis-job-1-a2-"), names[1])
	assert.NotEqual(t, names[0], names[1])
	assert.NotEqual(t, names[1], names[2])

	// The forced-stop cleanup removes exactly the container this run started.
	assert.Equal(t, []string{"docker", "rm", "--force", names[1]}, second.Cleanup)
}

func TestContainerDefaultsToWorkerUser(t *testing.T) {
	if os.Getuid() < 0 {
		t.Skip("no numeric user ids on this platform")
	}
	l := NewContainerLauncher(ContainerOptions{Image: "analyzer", Timeout: time.Minute})
	cc, err := l.CommandConfig(workspace.Workspace{Root: "/tmp/ws-1"}, JobInfo{ID: "job-1"})
	require.NoError(t, err)

	want := fmt.Sprintf("--user %d:%d", os.Getuid(), os.Getgid())
	assert.Contains(t, strings.Join(cc.Args, " "), want)
}
