package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-engine/internal/clock"
	"analysis-engine/internal/config"
	"analysis-engine/internal/execution"
	"analysis-engine/internal/models"
	"analysis-engine/internal/queue"
	"analysis-engine/internal/store"
	"analysis-engine/internal/store/storetest"
	"analysis-engine/internal/workspace"
)

// TestHelperProcess is the fake analyzer launched by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	out := os.Getenv("OUTPUT_DIR")
	switch os.Getenv("HELPER_MODE") {
	case "tutorial":
		if _, err := os.Stat(filepath.Join(os.Getenv("SOURCE_DIR"), "main.go")); err != nil {
			fmt.Fprintln(os.Stderr, "source not materialized:", err)
			os.Exit(4)
		}
		steps := []string{"Identifying abstractions", "Analyzing relationships", "Determining chapter order",
			"Writing chapters", "Reviewing chapters", "Combining tutorial"}
		for i, s := range steps {
			fmt.Printf("Step %d of %d: %s\n", i+1, len(steps), s)
		}
		files := map[string]string{
			"abstractions.yaml":    "- name: Queue\n  description: Leases jobs\n  files: [queue.go]\n",
			"manifest.toml":        "project = \"widget\"\nlanguage = \"en\"\nchapters = [\"intro\", \"queue\"]\n",
			"chapters/01_intro.md": "# Introduction\n\nHello.",
			"chapters/02_queue.md": "# The Queue\n\nLeases.",
			"reviews/01_review.md": "# Review\n\nLooks good.",
			"chapters/notes-draft": "ignored",
		}
		for name, content := range files {
			path := filepath.Join(out, filepath.FromSlash(name))
			_ = os.MkdirAll(filepath.Dir(path), 0o755)
			_ = os.WriteFile(path, []byte(content), 0o644)
		}
		os.Exit(0)
	case "fail":
		fmt.Println("Step 1 of 6: Identifying abstractions")
		fmt.Fprintln(os.Stderr, "fatal: cannot parse repository (api_key=sk-abcdefghijklmnopqrstuvwx)")
		os.Exit(3)
	case "sleep":
		fmt.Println("Step 1 of 6: Identifying abstractions")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

type harness struct {
	proc  *Processor
	queue *queue.Manager
	store *store.Store
	base  string
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  1,
		WorkerPollInterval: 10 * time.Millisecond,
		PollMaxBackoff:     100 * time.Millisecond,
		VisibilityTimeout:  5 * time.Second,
		HeartbeatInterval:  50 * time.Millisecond,
		ReclaimInterval:    time.Second,
		MaxDocumentBytes:   1 << 20,
	}
}

func helperStrategy(mode string, timeout time.Duration) *execution.Strategy {
	s := execution.NewStrategy(execution.NewLocalLauncher(execution.LocalOptions{
		AnalyzerPath: os.Args[0],
		Args:         []string{"-test.run=^TestHelperProcess$", "--"},
		Env:          []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		Timeout:      timeout,
	}))
	s.KillGrace = 2 * time.Second
	return s
}

func newHarness(t *testing.T, cfg config.Config, strategy *execution.Strategy) *harness {
	t.Helper()
	st := storetest.New(t)
	q := queue.NewManager(st, queue.Options{IDs: &clock.Sequence{Prefix: "job"}})
	base := t.TempDir()
	p := NewProcessorWithID(cfg, q, strategy, workspace.NewMaterializer(base, 0, nil), "test-worker")
	p.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &harness{proc: p, queue: q, store: st, base: base}
}

func subjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main"), 0o644))
	return dir
}

func (h *harness) enqueue(t *testing.T, subject string, maxAttempts int) models.Job {
	t.Helper()
	job, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		OwnerRef:    "alice",
		SubjectRef:  subject,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return job
}

// peek reads a job without failing the test; it is safe inside Eventually.
func (h *harness) peek(id string) models.JobView {
	view, _ := h.queue.ReadJob(context.Background(), id)
	return view
}

func (h *harness) read(t *testing.T, id string) models.JobView {
	t.Helper()
	view, err := h.queue.ReadJob(context.Background(), id)
	require.NoError(t, err)
	return view
}

func TestProcessCompletesJobEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("tutorial", time.Minute))
	job := h.enqueue(t, subjectDir(t), 0)

	claimed, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	view := h.read(t, job.ID)
	require.Equal(t, models.StatusCompleted, view.Job.Status, "error: %v", view.Job.ErrorMessage)
	assert.Equal(t, 6, view.Job.TotalSteps)
	assert.Equal(t, view.Job.TotalSteps, view.Job.CurrentStep)
	assert.Nil(t, view.Job.LeaseOwner)

	require.Len(t, view.Documents, 3)
	assert.Equal(t, "Introduction", view.Documents[0].Title)
	assert.Equal(t, "The Queue", view.Documents[1].Title)
	assert.Equal(t, "review", view.Documents[2].Kind)

	require.NotNil(t, view.Job.Result)
	assert.Equal(t, 3, view.Job.Result.DocumentCount)
	assert.False(t, view.Job.Result.Incomplete)
	require.NotNil(t, view.Job.Result.Outline)
	require.NotNil(t, view.Job.Result.Outline.Manifest)
	assert.Equal(t, "widget", view.Job.Result.Outline.Manifest.Project)
	assert.Len(t, view.Job.Result.Outline.Abstractions, 1)

	logs, err := h.queue.StreamLogs(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	var texts []string
	for _, l := range logs {
		texts = append(texts, l.Text)
	}
	assert.Contains(t, texts, "step 6/6: Combining tutorial")
	assert.Contains(t, texts, "completed with 3 documents")

	entries, err := os.ReadDir(h.base)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be removed")
}

func TestProcessNonZeroExitRetries(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("fail", time.Minute))
	job := h.enqueue(t, subjectDir(t), 2)

	_, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusPending, view.Job.Status)
	assert.True(t, view.Job.RunAt.After(time.Now()))
	require.NotNil(t, view.Job.ErrorMessage)
	assert.Contains(t, *view.Job.ErrorMessage, "exited with code 3")
	assert.Contains(t, *view.Job.ErrorMessage, "cannot parse repository")
	assert.NotContains(t, *view.Job.ErrorMessage, "sk-abcdefghijklmnopqrstuvwx")
}

func TestProcessTimeoutRetries(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("sleep", 300*time.Millisecond))
	job := h.enqueue(t, subjectDir(t), 2)

	_, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusPending, view.Job.Status)
	require.NotNil(t, view.Job.ErrorMessage)
	assert.Contains(t, *view.Job.ErrorMessage, "timed out")
}

func TestProcessInvalidSubjectIsPermanent(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("tutorial", time.Minute))
	job := h.enqueue(t, filepath.Join(t.TempDir(), "missing"), 5)

	_, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusDead, view.Job.Status)
	assert.Equal(t, 1, view.Job.Attempts)
}

func TestProcessInvalidStrategyIsPermanent(t *testing.T) {
	strategy := execution.NewStrategy(execution.NewLocalLauncher(execution.LocalOptions{AnalyzerPath: "/no/such/analyzer"}))
	h := newHarness(t, testConfig(), strategy)
	job := h.enqueue(t, subjectDir(t), 5)

	_, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusDead, view.Job.Status)
	require.NotNil(t, view.Job.ErrorMessage)
	assert.Contains(t, *view.Job.ErrorMessage, "local strategy invalid")
}

func TestCancelStopsRunningJobWithinHeartbeat(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("sleep", time.Minute))
	job := h.enqueue(t, subjectDir(t), 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.proc.ProcessNext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return h.peek(job.ID).Job.CurrentStep == 1
	}, 10*time.Second, 20*time.Millisecond, "analyzer never reported progress")

	canceledAt := time.Now()
	require.NoError(t, h.queue.Cancel(context.Background(), job.ID, "alice"))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop the canceled job")
	}
	assert.Less(t, time.Since(canceledAt), 5*time.Second)

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusCanceled, view.Job.Status)
	assert.Nil(t, view.Job.ErrorMessage)
}

func TestLostLeaseIsAbandonedSilently(t *testing.T) {
	cfg := testConfig()
	cfg.VisibilityTimeout = 300 * time.Millisecond
	cfg.HeartbeatInterval = 700 * time.Millisecond
	h := newHarness(t, cfg, helperStrategy("sleep", time.Minute))
	job := h.enqueue(t, subjectDir(t), 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.proc.ProcessNext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return h.peek(job.ID).Job.Status == models.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	var stolen models.Job
	require.Eventually(t, func() bool {
		got, ok, err := h.queue.ClaimNext(context.Background(), "thief", time.Minute)
		if err != nil || !ok {
			return false
		}
		stolen = got
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, job.ID, stolen.ID)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker kept running after losing its lease")
	}

	view := h.read(t, job.ID)
	assert.Equal(t, models.StatusClaimed, view.Job.Status)
	require.NotNil(t, view.Job.LeaseOwner)
	assert.Equal(t, "thief", *view.Job.LeaseOwner)
	assert.Equal(t, 2, view.Job.Attempts)
	assert.Nil(t, view.Job.ErrorMessage)
}

func TestRunProcessesUntilCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerConcurrency = 2
	h := newHarness(t, cfg, helperStrategy("tutorial", time.Minute))
	first := h.enqueue(t, subjectDir(t), 0)
	second := h.enqueue(t, subjectDir(t), 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.peek(first.ID).Job.Status == models.StatusCompleted &&
			h.peek(second.ID).Job.Status == models.StatusCompleted
	}, 20*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDefaultWorkerIDIsUnique(t *testing.T) {
	a, b := DefaultWorkerID(), DefaultWorkerID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "-"))
}

// countingHandler counts records with a given message.
type countingHandler struct {
	message string
	count   *atomic.Int64
}

func (h countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h countingHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.message {
		h.count.Add(1)
	}
	return nil
}

func (h countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h countingHandler) WithGroup(string) slog.Handler      { return h }

func TestFailureDelay(t *testing.T) {
	idle := 10 * time.Millisecond
	maxBackoff := 100 * time.Millisecond

	// Right after a claimed job the delay is zero; a failure must still wait.
	assert.Equal(t, idle, failureDelay(0, idle, maxBackoff))
	assert.Equal(t, 20*time.Millisecond, failureDelay(idle, idle, maxBackoff))
	assert.Equal(t, 80*time.Millisecond, failureDelay(40*time.Millisecond, idle, maxBackoff))
	assert.Equal(t, maxBackoff, failureDelay(80*time.Millisecond, idle, maxBackoff))
	assert.Equal(t, maxBackoff, failureDelay(maxBackoff, idle, maxBackoff))
	// A max below the poll interval falls back to the poll interval.
	assert.Equal(t, idle, failureDelay(0, idle, time.Millisecond))
}

func TestRunBacksOffWhenStoreFails(t *testing.T) {
	h := newHarness(t, testConfig(), helperStrategy("tutorial", time.Minute))
	var failures atomic.Int64
	h.proc.SetLogger(slog.New(countingHandler{message: "claim failed, backing off", count: &failures}))
	job := h.enqueue(t, subjectDir(t), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.peek(job.ID).Job.Status == models.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	h.store.Close()
	start := failures.Load()
	time.Sleep(600 * time.Millisecond)
	got := failures.Load() - start
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// 10ms, 20ms, 40ms, 80ms, then 100ms steps fit about ten failures into
	// the window; a loop that does not wait would log thousands.
	assert.Positive(t, got)
	assert.LessOrEqual(t, got, int64(15))
}
