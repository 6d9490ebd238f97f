package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named task run on a cron schedule.
type Job struct {
	ID   string
	Name string
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@every 1m" or "@hourly".
	Schedule string
	Enabled  bool
	Run      func(ctx context.Context) error
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has no run function", j.ID)
	}
	if j.Enabled {
		if _, err := ParseSchedule(j.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// ParseSchedule parses a cron spec the way the scheduler does.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return schedule, nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(j.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
