package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// jobRunner executes one job and records its state. It implements cron.Job.
type jobRunner struct {
	job    *Job
	ctx    func() context.Context
	logger *slog.Logger

	mu    sync.Mutex
	state JobState
}

func newJobRunner(job *Job, ctx func() context.Context, logger *slog.Logger) *jobRunner {
	return &jobRunner{
		job:    job,
		ctx:    ctx,
		logger: logger.With("job", job.ID),
	}
}

// Run is called by cron on schedule.
func (r *jobRunner) Run() {
	_ = r.execute(r.ctx())
}

func (r *jobRunner) execute(ctx context.Context) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := time.Now()
	r.logger.Debug("executing job", "name", r.job.Name)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", r.job.ID, p)
		}

		duration := time.Since(start)
		r.mu.Lock()
		r.state.LastRunAt = start
		r.state.LastDuration = duration
		r.state.RunCount++
		if err != nil {
			r.state.ErrorCount++
			r.state.LastError = err.Error()
		} else {
			r.state.LastError = ""
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Warn("job failed", "duration", duration, "error", err)
			return
		}
		r.logger.Debug("job completed", "duration", duration)
	}()

	return r.job.Run(ctx)
}

func (r *jobRunner) snapshot() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
