// Package scheduler runs the facts-memory consolidation and health-check
// jobs on a single-process cron. Job errors are logged and swallowed rather
// than stopping the scheduler.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nerdwf/internal/logging"
)

// JobFunc is a scheduled unit of work. Errors are logged, never propagated;
// a failing job must not stop the scheduler.
type JobFunc func() error

// JobStatus reports one job's last/next run.
type JobStatus struct {
	Name    string
	Cron    string
	LastRun time.Time
	LastErr error
	NextRun time.Time
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler wraps robfig/cron/v3 with three independent jobs: daily
// consolidation, weekly consolidation, and health check.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*job
	running bool
}

// Config names the three jobs' cron expressions, timezone, and callables.
type Config struct {
	Timezone string

	DailyEnabled bool
	DailyCron    string
	DailyJob     JobFunc

	WeeklyEnabled bool
	WeeklyCron    string
	WeeklyJob     JobFunc

	HealthEnabled bool
	HealthCron    string
	HealthJob     JobFunc
}

// New builds a Scheduler from Config without starting it.
func New(cfg Config) (*Scheduler, error) {
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}

	s := &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		jobs: make(map[string]*job),
	}

	if cfg.DailyEnabled && cfg.DailyJob != nil {
		if err := s.addJob("daily_consolidation", cfg.DailyCron, cfg.DailyJob); err != nil {
			return nil, err
		}
	}
	if cfg.WeeklyEnabled && cfg.WeeklyJob != nil {
		if err := s.addJob("weekly_consolidation", cfg.WeeklyCron, cfg.WeeklyJob); err != nil {
			return nil, err
		}
	}
	if cfg.HealthEnabled && cfg.HealthJob != nil {
		if err := s.addJob("health_check", cfg.HealthCron, cfg.HealthJob); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) addJob(name, spec string, fn JobFunc) error {
	j := &job{name: name, spec: spec, fn: fn}
	entryID, err := s.cron.AddFunc(spec, func() { s.runJob(j) })
	if err != nil {
		return err
	}
	j.entryID = entryID
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) runJob(j *job) {
	err := j.fn()
	j.mu.Lock()
	j.lastRun = time.Now()
	j.lastErr = err
	j.mu.Unlock()
	if err != nil {
		logging.Scheduler("job %s failed (swallowed): %v", j.name, err)
	} else {
		logging.Scheduler("job %s completed", j.name)
	}
}

// Start begins running scheduled jobs. Calling Start on an already-running
// scheduler first stops the prior instance.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cron.Stop()
	}
	s.cron.Start()
	s.running = true
}

// Stop stops all jobs. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// Status reports nextRun per job, plus lastRun/lastErr.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JobStatus
	for _, e := range s.cron.Entries() {
		for _, j := range s.jobs {
			if j.entryID == e.ID {
				j.mu.Lock()
				out = append(out, JobStatus{
					Name:    j.name,
					Cron:    j.spec,
					LastRun: j.lastRun,
					LastErr: j.lastErr,
					NextRun: e.Next,
				})
				j.mu.Unlock()
			}
		}
	}
	return out
}

// TriggerConsolidationNow runs the daily job inline and reports success.
func (s *Scheduler) TriggerConsolidationNow() error {
	return s.triggerNow("daily_consolidation")
}

// TriggerHealthCheckNow runs the health job inline and reports success.
func (s *Scheduler) TriggerHealthCheckNow() error {
	return s.triggerNow("health_check")
}

func (s *Scheduler) triggerNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	err := j.fn()
	j.mu.Lock()
	j.lastRun = time.Now()
	j.lastErr = err
	j.mu.Unlock()
	return err
}
