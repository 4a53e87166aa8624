package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"analysis-engine/internal/collector"
	"analysis-engine/internal/config"
	"analysis-engine/internal/execution"
	"analysis-engine/internal/models"
	"analysis-engine/internal/progress"
	"analysis-engine/internal/queue"
	"analysis-engine/internal/telemetry"
	"analysis-engine/internal/workspace"
)

// Exporter publishes a completed job's documents somewhere outside the store.
type Exporter interface {
	Export(ctx context.Context, jobID string, result models.JobResult, docs []models.OutputDocument) (string, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg          config.Config
	queue        *queue.Manager
	strategy     *execution.Strategy
	materializer *workspace.Materializer
	collector    *collector.Collector
	parser       *progress.Parser
	exporter     Exporter
	log          *slog.Logger
	workerID     string
}

func NewProcessor(cfg config.Config, q *queue.Manager, strategy *execution.Strategy, mat *workspace.Materializer) *Processor {
	return NewProcessorWithID(cfg, q, strategy, mat, cfg.WorkerID)
}

// NewProcessorWithID creates a processor with a specific worker ID used as
// the lease owner prefix.
func NewProcessorWithID(cfg config.Config, q *queue.Manager, strategy *execution.Strategy, mat *workspace.Materializer, workerID string) *Processor {
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &Processor{
		cfg:          cfg,
		queue:        q,
		strategy:     strategy,
		materializer: mat,
		collector:    collector.New(cfg.MaxDocumentBytes),
		parser:       progress.NewParser(cfg.ProgressKeywords),
		log:          slog.Default().With("worker_id", workerID),
		workerID:     workerID,
	}
}

// SetExporter enables exporting documents after collection.
func (p *Processor) SetExporter(e Exporter) { p.exporter = e }

// SetLogger replaces the processor's logger.
func (p *Processor) SetLogger(l *slog.Logger) { p.log = l.With("worker_id", p.workerID) }

// Run polls for jobs on WorkerConcurrency slots and sweeps expired leases
// until ctx is canceled. In-flight jobs are abandoned on shutdown; their
// leases expire and another worker picks them up.
func (p *Processor) Run(ctx context.Context) error {
	if v := p.strategy.Validate(ctx); !v.OK() {
		p.log.Error("execution strategy is not usable; jobs will fail permanently",
			"strategy", p.strategy.Name(), "problems", v.Problems)
	}

	sweeper := NewSweeper(p.queue, p.log)
	sweeper.Start(p.cfg.ReclaimInterval)
	defer sweeper.Stop()

	slots := p.cfg.WorkerConcurrency
	if slots < 1 {
		slots = 1
	}
	p.log.Info("worker started", "slots", slots, "strategy", p.strategy.Name())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		owner := p.slotOwner(i)
		g.Go(func() error { return p.runSlot(gctx, owner) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Processor) runSlot(ctx context.Context, owner string) error {
	idle := p.cfg.WorkerPollInterval
	if idle <= 0 {
		idle = time.Second
	}
	delay := idle
	for {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		claimed, err := p.processNext(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay = failureDelay(delay, idle, p.cfg.PollMaxBackoff)
			p.log.Warn("claim failed, backing off", "owner", owner, "delay", delay, "err", err)
			continue
		}
		delay = idle
		if claimed {
			// Look for more work right away.
			delay = 0
		}
	}
}

// failureDelay doubles the poll delay after a failed claim, starting from at
// least idle and never exceeding maxBackoff.
func failureDelay(delay, idle, maxBackoff time.Duration) time.Duration {
	return min(max(delay*2, idle), max(maxBackoff, idle))
}

// ProcessNext claims one job as slot 0 and runs it to the end. It reports
// whether a job was claimed.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	return p.processNext(ctx, p.slotOwner(0))
}

func (p *Processor) processNext(ctx context.Context, owner string) (bool, error) {
	job, ok, err := p.queue.ClaimNext(ctx, owner, p.cfg.VisibilityTimeout)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, job, owner)
	return true, nil
}

var errJobFinished = errors.New("job finished")

// process runs one claimed job. A heartbeat runs alongside; when it finds the
// lease lost or the job canceled it cancels jobCtx, which kills the analyzer,
// and the job is dropped without writing a final state.
func (p *Processor) process(ctx context.Context, job models.Job, owner string) {
	log := p.log.With("job_id", job.ID, "owner", owner, "attempt", job.Attempts)
	log.Info("job claimed", "subject", job.SubjectRef)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, cancel, job.ID, owner, log)
	}()
	defer func() {
		cancel(errJobFinished)
		<-hbDone
	}()

	r := &run{p: p, ctx: ctx, jobCtx: jobCtx, job: job, owner: owner, log: log}
	r.execute()
}

func (p *Processor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID, owner string, log *slog.Logger) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = p.cfg.VisibilityTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.Heartbeat(ctx, jobID, owner, p.cfg.VisibilityTimeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobCanceled), errors.Is(err, queue.ErrJobNotFound):
			log.Info("stopping job", "reason", err)
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn("heartbeat failed", "err", err)
		}
	}
}

func (p *Processor) slotOwner(slot int) string {
	return fmt.Sprintf("%s/%d", p.workerID, slot)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
