// Package scheduler runs the daemon's periodic maintenance jobs on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

type registration struct {
	job     *Job
	runner  *jobRunner
	entryID cron.EntryID
	active  bool
}

// Scheduler manages all scheduled jobs
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*registration
	logger *slog.Logger
	mu     sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a new scheduler. Runs of the same job never overlap.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*registration),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins running scheduled jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob registers a job. Disabled jobs can still be run with RunJobNow.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	reg := &registration{
		job:    job,
		runner: newJobRunner(job, s.context, s.logger),
	}
	if err := s.activateLocked(reg); err != nil {
		return err
	}
	s.jobs[job.ID] = reg
	s.logger.Info("job added", "job", job.ID, "schedule", job.Schedule, "enabled", job.Enabled)
	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	s.deactivateLocked(reg)
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// Reschedule changes a job's cron spec. An empty spec disables the job.
func (s *Scheduler) Reschedule(id, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if spec != "" {
		if _, err := ParseSchedule(spec); err != nil {
			return err
		}
	}

	s.deactivateLocked(reg)
	reg.job.Schedule = spec
	reg.job.Enabled = spec != ""
	if err := s.activateLocked(reg); err != nil {
		return err
	}
	s.logger.Info("job rescheduled", "job", id, "schedule", spec)
	return nil
}

// RunJobNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	reg, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	return reg.runner.execute(ctx)
}

// ListJobs returns all jobs sorted by ID.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, reg := range s.jobs {
		jobs = append(jobs, s.infoLocked(reg))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// GetJob returns a view of one job.
func (s *Scheduler) GetJob(id string) (JobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, exists := s.jobs[id]
	if !exists {
		return JobInfo{}, fmt.Errorf("job not found: %s", id)
	}
	return s.infoLocked(reg), nil
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totalRuns, totalErrors int64
	activeJobs := 0
	for _, reg := range s.jobs {
		state := reg.runner.snapshot()
		totalRuns += state.RunCount
		totalErrors += state.ErrorCount
		if reg.active {
			activeJobs++
		}
	}

	return map[string]interface{}{
		"total_jobs":   len(s.jobs),
		"active_jobs":  activeJobs,
		"total_runs":   totalRuns,
		"total_errors": totalErrors,
	}
}

func (s *Scheduler) context() context.Context {
	return s.ctx
}

func (s *Scheduler) activateLocked(reg *registration) error {
	if !reg.job.Enabled {
		return nil
	}
	id, err := s.cron.AddJob(reg.job.Schedule, reg.runner)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", reg.job.ID, err)
	}
	reg.entryID = id
	reg.active = true
	return nil
}

func (s *Scheduler) deactivateLocked(reg *registration) {
	if !reg.active {
		return
	}
	s.cron.Remove(reg.entryID)
	reg.active = false
}

func (s *Scheduler) infoLocked(reg *registration) JobInfo {
	state := reg.runner.snapshot()
	if reg.active {
		state.NextRunAt = s.cron.Entry(reg.entryID).Next
	}
	return JobInfo{
		ID:       reg.job.ID,
		Name:     reg.job.Name,
		Schedule: reg.job.Schedule,
		Enabled:  reg.active,
		State:    state,
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
