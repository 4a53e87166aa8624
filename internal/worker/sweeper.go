package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"analysis-engine/internal/queue"
	"analysis-engine/internal/telemetry"
)

// Sweeper periodically releases expired leases and refreshes the queue depth
// gauge. Every worker runs one; the store makes concurrent sweeps safe.
type Sweeper struct {
	queue *queue.Manager
	cron  *cron.Cron
	log   *slog.Logger
}

func NewSweeper(q *queue.Manager, log *slog.Logger) *Sweeper {
	return &Sweeper{
		queue: q,
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:   log,
	}
}

// Start schedules a sweep every interval.
func (s *Sweeper) Start(interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.RunOnce))
	s.cron.Start()
	s.log.Info("lease sweeper started", "interval", interval)
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		s.log.Error("reclaim expired leases", "err", err)
	} else if len(stats.Requeued)+len(stats.Dead) > 0 {
		s.log.Info("reclaimed expired leases", "requeued", stats.Requeued, "dead", stats.Dead)
	}

	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// DefaultWorkerID is hostname plus a short random suffix, so restarted
// workers never reuse a lease owner name.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
