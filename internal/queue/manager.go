// Package queue implements the job lifecycle on top of the job store: enqueue
// with dedupe, atomic claim with leases, heartbeats, progress, completion,
// retry with backoff, cancellation and recovery of expired leases.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"analysis-engine/internal/clock"
	"analysis-engine/internal/config"
	"analysis-engine/internal/models"
	"analysis-engine/internal/redact"
	"analysis-engine/internal/store"
	"analysis-engine/internal/telemetry"
)

const DefaultMaxAttempts = 5

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options tunes a Manager. Zero values take defaults.
type Options struct {
	Clock              clock.Clock
	IDs                clock.IDGenerator
	Logger             *slog.Logger
	DefaultMaxAttempts int
	Backoff            Backoff
}

// Manager is the only component that changes job state.
type Manager struct {
	store      *store.Store
	clock      clock.Clock
	ids        clock.IDGenerator
	log        *slog.Logger
	maxAttempt int
	backoff    Backoff
}

func NewManager(st *store.Store, opts Options) *Manager {
	m := &Manager{
		store:      st,
		clock:      opts.Clock,
		ids:        opts.IDs,
		log:        opts.Logger,
		maxAttempt: opts.DefaultMaxAttempts,
		backoff:    opts.Backoff,
	}
	if m.clock == nil {
		m.clock = clock.System{}
	}
	if m.ids == nil {
		m.ids = clock.UUIDs{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.maxAttempt <= 0 {
		m.maxAttempt = DefaultMaxAttempts
	}
	if m.backoff.Base <= 0 {
		m.backoff = DefaultBackoff()
	}
	return m
}

// NewManagerFromConfig builds a Manager with the attempt and backoff
// settings of cfg.
func NewManagerFromConfig(st *store.Store, cfg config.Config, log *slog.Logger) *Manager {
	return NewManager(st, Options{
		Logger:             log,
		DefaultMaxAttempts: cfg.MaxAttempts,
		Backoff: Backoff{
			Base:   cfg.BackoffInitial,
			Factor: cfg.BackoffFactor,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
	})
}

// EnqueueRequest is a new analysis job as submitted upstream.
type EnqueueRequest struct {
	OwnerRef    string `validate:"max=256"`
	SubjectRef  string `validate:"required,max=2048"`
	Profile     string `validate:"max=128"`
	DedupeKey   string `validate:"max=512"`
	MaxAttempts int    `validate:"gte=0,lte=100"`
}

// Enqueue creates a pending job runnable immediately.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	req.SubjectRef = strings.TrimSpace(req.SubjectRef)
	if err := validate.Struct(req); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.maxAttempt
	}

	now := m.clock.Now()
	job := models.Job{
		ID:          m.ids.NewID(),
		OwnerRef:    req.OwnerRef,
		SubjectRef:  req.SubjectRef,
		Profile:     req.Profile,
		Status:      models.StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.DedupeKey != "" {
		key := req.DedupeKey
		job.DedupeKey = &key
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			telemetry.DuplicateRejects.Inc()
			return models.Job{}, ErrDuplicateActiveJob
		}
		return models.Job{}, err
	}
	if err := m.store.AppendLog(ctx, job.ID, fmt.Sprintf("enqueued subject=%s profile=%s", job.SubjectRef, job.Profile), now); err != nil {
		m.log.Warn("append enqueue log failed", "job_id", job.ID, "err", err)
	}
	telemetry.EnqueueCounter.Inc()
	return m.store.GetJob(ctx, job.ID)
}

// ClaimNext leases the oldest runnable job to workerID for lease. The second
// result is false when nothing is runnable.
func (m *Manager) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (models.Job, bool, error) {
	now := m.clock.Now()
	job, ok, err := m.store.ClaimNext(ctx, workerID, now, now.Add(lease))
	if err != nil || !ok {
		return models.Job{}, false, err
	}
	if err := m.store.AppendLog(ctx, job.ID, fmt.Sprintf("claimed by %s (attempt %d/%d)", workerID, job.Attempts, job.MaxAttempts), now); err != nil {
		m.log.Warn("append claim log failed", "job_id", job.ID, "err", err)
	}
	telemetry.ClaimCounter.Inc()
	return job, true, nil
}

// Start marks a claimed job as running.
func (m *Manager) Start(ctx context.Context, jobID, workerID string) error {
	ok, err := m.store.MarkRunning(ctx, jobID, workerID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		return m.lostReason(ctx, jobID)
	}
	return nil
}

// Heartbeat extends the lease by lease from now. It returns ErrJobCanceled
// when the job was canceled and ErrLeaseLost when someone else owns it.
func (m *Manager) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := m.clock.Now()
	ok, err := m.store.ExtendLease(ctx, jobID, workerID, now, now.Add(lease))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if !ok {
		return m.lostReason(ctx, jobID)
	}
	return nil
}

// ReportProgress records a progress step. Updates from a worker that no
// longer owns the job are dropped without error.
func (m *Manager) ReportProgress(ctx context.Context, jobID, workerID string, step, total int, message string) error {
	message = redact.Summary(message)
	text := fmt.Sprintf("step %d/%d", step, total)
	if message != "" {
		text += ": " + message
	}
	_, err := m.store.UpdateProgress(ctx, jobID, workerID, store.Progress{
		Step:    step,
		Total:   total,
		Message: message,
		LogText: text,
	}, m.clock.Now())
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete finalizes the job with its result and documents.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string, result models.JobResult, docs []models.OutputDocument) error {
	ok, err := m.store.Complete(ctx, jobID, workerID, result, docs, m.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !ok {
		return m.lostReason(ctx, jobID)
	}
	telemetry.WorkerSuccess.Inc()
	return nil
}

// Fail records a failed attempt. Permanent errors and exhausted attempts make
// the job dead; otherwise it is rescheduled after the backoff delay. The
// resulting status is returned.
func (m *Manager) Fail(ctx context.Context, jobID, workerID string, cause error) (models.JobStatus, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	if job.Status == models.StatusCanceled {
		return job.Status, ErrJobCanceled
	}
	if !job.Status.Leased() || job.LeaseOwner == nil || *job.LeaseOwner != workerID {
		return job.Status, ErrLeaseLost
	}

	msg := redact.Error(cause)
	now := m.clock.Now()
	if !IsPermanent(cause) && job.Attempts < job.MaxAttempts {
		delay := m.backoff.Delay(job.Attempts)
		runAt := now.Add(delay)
		ok, err := m.store.Requeue(ctx, jobID, workerID, runAt, msg, now)
		if err != nil {
			return job.Status, fmt.Errorf("requeue job: %w", err)
		}
		if !ok {
			return job.Status, m.lostReason(ctx, jobID)
		}
		m.appendLog(ctx, jobID, fmt.Sprintf("attempt %d/%d failed, retry in %s: %s",
			job.Attempts, job.MaxAttempts, delay.Round(time.Second), msg), now)
		telemetry.WorkerFailures.Inc()
		return models.StatusPending, nil
	}

	ok, err := m.store.MarkDead(ctx, jobID, workerID, msg, now)
	if err != nil {
		return job.Status, fmt.Errorf("mark dead: %w", err)
	}
	if !ok {
		return job.Status, m.lostReason(ctx, jobID)
	}
	m.appendLog(ctx, jobID, fmt.Sprintf("attempt %d/%d failed, giving up: %s", job.Attempts, job.MaxAttempts, msg), now)
	telemetry.WorkerDeadLetter.Inc()
	return models.StatusDead, nil
}

// Cancel stops a job that has not finished. When the job has an owner only
// that owner may cancel it. Running jobs notice at their next heartbeat.
func (m *Manager) Cancel(ctx context.Context, jobID, requesterRef string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if job.OwnerRef != "" && job.OwnerRef != requesterRef {
		return ErrForbidden
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	now := m.clock.Now()
	ok, err := m.store.Cancel(ctx, jobID, now)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return ErrJobTerminal
	}
	requester := requesterRef
	if requester == "" {
		requester = "anonymous"
	}
	m.appendLog(ctx, jobID, "canceled by "+requester, now)
	telemetry.CancelCounter.Inc()
	return nil
}

// ReclaimStats lists the jobs released by one ReclaimExpired sweep.
type ReclaimStats struct {
	Requeued []string
	Dead     []string
}

// ReclaimExpired releases every expired lease.
func (m *Manager) ReclaimExpired(ctx context.Context) (ReclaimStats, error) {
	now := m.clock.Now()
	requeued, dead, err := m.store.ReclaimExpired(ctx, now)
	stats := ReclaimStats{Requeued: requeued, Dead: dead}
	if err != nil {
		return stats, err
	}
	for _, id := range requeued {
		m.appendLog(ctx, id, "lease expired, returned to queue", now)
	}
	for _, id := range dead {
		m.appendLog(ctx, id, "lease expired after final attempt", now)
	}
	telemetry.ReclaimedCounter.WithLabelValues("requeued").Add(float64(len(requeued)))
	telemetry.ReclaimedCounter.WithLabelValues("dead").Add(float64(len(dead)))
	return stats, nil
}

// ReadJob returns the job and, once completed, its documents.
func (m *Manager) ReadJob(ctx context.Context, jobID string) (models.JobView, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.JobView{}, ErrJobNotFound
	}
	if err != nil {
		return models.JobView{}, err
	}
	docs, err := m.store.ListDocuments(ctx, jobID)
	if err != nil {
		return models.JobView{}, err
	}
	return models.JobView{Job: job, Documents: docs}, nil
}

// StreamLogs returns up to limit log entries after afterSeq.
func (m *Manager) StreamLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.LogEntry, error) {
	entries, err := m.store.ListLogs(ctx, jobID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := m.store.GetJob(ctx, jobID); errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return []models.LogEntry{}, nil
	}
	return entries, nil
}

// Depth is the number of jobs ready to be claimed.
func (m *Manager) Depth(ctx context.Context) (int64, error) {
	return m.store.VisibleJobs(ctx, m.clock.Now())
}

// Counts returns the number of jobs per status.
func (m *Manager) Counts(ctx context.Context) (map[models.JobStatus]int64, error) {
	return m.store.CountByStatus(ctx)
}

// lostReason explains why an owner-conditional update matched nothing.
func (m *Manager) lostReason(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	case err != nil:
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	case job.Status == models.StatusCanceled:
		return ErrJobCanceled
	default:
		return ErrLeaseLost
	}
}

func (m *Manager) appendLog(ctx context.Context, jobID, text string, now time.Time) {
	if err := m.store.AppendLog(ctx, jobID, text, now); err != nil {
		m.log.Warn("append job log failed", "job_id", jobID, "err", err)
	}
}
