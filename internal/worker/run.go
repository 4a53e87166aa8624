package worker

import (
	"context"
	"errors"
	"log/slog"

	"analysis-engine/internal/execution"
	"analysis-engine/internal/models"
	"analysis-engine/internal/queue"
	"analysis-engine/internal/telemetry"
	"analysis-engine/internal/workspace"
)

// run is one attempt of one job. Final writes use ctx so that they are not
// cut short by the job context; they are skipped entirely once jobCtx has
// been canceled by the heartbeat or by shutdown.
type run struct {
	p      *Processor
	ctx    context.Context
	jobCtx context.Context
	job    models.Job
	owner  string
	log    *slog.Logger
}

func (r *run) execute() {
	strategy := r.p.strategy
	if v := strategy.Validate(r.jobCtx); !v.OK() {
		r.fail(v.Err())
		return
	}

	ws, err := r.p.materializer.Prepare(r.jobCtx, r.job.ID, r.job.SubjectRef)
	if err != nil {
		if errors.Is(err, workspace.ErrInvalidSubject) {
			err = queue.Permanent(err)
		}
		r.fail(err)
		return
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			r.log.Warn("remove workspace", "path", ws.Root, "err", err)
		}
	}()

	if err := r.p.queue.Start(r.jobCtx, r.job.ID, r.owner); err != nil {
		r.abandonOr(err)
		return
	}

	info := execution.JobInfo{ID: r.job.ID, Profile: r.job.Profile, Attempt: r.job.Attempts}
	res, err := strategy.Execute(r.jobCtx, ws, info, r.onLine)
	if r.abandoned() {
		telemetry.ExecutionDuration.WithLabelValues("abandoned").Observe(res.Duration.Seconds())
		return
	}
	switch {
	case err != nil:
		var timeout *execution.TimeoutError
		outcome := "error"
		if errors.As(err, &timeout) {
			outcome = "timeout"
		}
		telemetry.ExecutionDuration.WithLabelValues(outcome).Observe(res.Duration.Seconds())
		r.fail(err)
	case res.ExitCode != 0:
		telemetry.ExecutionDuration.WithLabelValues("exit_error").Observe(res.Duration.Seconds())
		r.fail(res.Err())
	default:
		telemetry.ExecutionDuration.WithLabelValues("success").Observe(res.Duration.Seconds())
		r.complete(ws)
	}
}

// onLine feeds analyzer stdout to the progress parser.
func (r *run) onLine(line string) {
	pr, ok := r.p.parser.Parse(line)
	if !ok {
		r.log.Debug("analyzer output", "line", line)
		return
	}
	if err := r.p.queue.ReportProgress(r.jobCtx, r.job.ID, r.owner, pr.Step, pr.Total, pr.Message); err != nil && r.jobCtx.Err() == nil {
		r.log.Warn("report progress", "err", err)
	}
}

func (r *run) complete(ws workspace.Workspace) {
	col, err := r.p.collector.Collect(ws.OutputDir)
	if err != nil {
		r.fail(err)
		return
	}
	result := col.Result()
	if result.Incomplete {
		r.log.Warn("analyzer succeeded without documents", "warnings", result.Warnings)
	}
	if r.p.exporter != nil && !col.Empty() {
		loc, err := r.p.exporter.Export(r.ctx, r.job.ID, result, col.Documents)
		if err != nil {
			r.log.Warn("export documents", "err", err)
			result.Warnings = append(result.Warnings, "export failed: "+err.Error())
		} else {
			result.ExportedTo = loc
		}
	}

	if err := r.p.queue.Complete(r.ctx, r.job.ID, r.owner, result, col.Documents); err != nil {
		r.abandonOr(err)
		return
	}
	r.log.Info("job completed", "documents", result.DocumentCount, "config_files", col.ConfigFiles)
}

func (r *run) fail(cause error) {
	if r.abandoned() {
		return
	}
	status, err := r.p.queue.Fail(r.ctx, r.job.ID, r.owner, cause)
	if err != nil {
		r.abandonOr(err)
		return
	}
	r.log.Warn("job attempt failed", "status", status, "err", cause)
}

// abandoned reports whether the job context was canceled by the heartbeat
// or by process shutdown.
func (r *run) abandoned() bool {
	if r.jobCtx.Err() == nil {
		return false
	}
	telemetry.AbandonedCounter.Inc()
	r.log.Info("job abandoned", "reason", context.Cause(r.jobCtx))
	return true
}

// abandonOr logs a state write refused because the job moved on without us,
// or a real store error.
func (r *run) abandonOr(err error) {
	switch {
	case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobCanceled), errors.Is(err, queue.ErrJobNotFound):
		telemetry.AbandonedCounter.Inc()
		r.log.Info("job abandoned", "reason", err)
	default:
		r.log.Error("record job outcome", "err", err)
	}
}
