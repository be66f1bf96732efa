// Package scheduler runs periodic maintenance for SalesPipe.
//
// Jobs are named and scheduled with standard 5-field cron expressions or
// descriptors such as "@every 5m". Nothing is scheduled unless configured.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrDuplicateJob is returned when a job name is already scheduled.
	ErrDuplicateJob = errors.New("job already scheduled")
	// ErrJobNotFound is returned by RunNow for unknown job names.
	ErrJobNotFound = errors.New("job not found")
)

// Task is the body of a scheduled job.
type Task func(ctx context.Context) error

// EntryInfo describes a scheduled job.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type job struct {
	spec string
	id   cron.EntryID
	task Task
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, jobs: make(map[string]*job)}
}

// AddJob schedules task under name. It returns an error if the expression is
// invalid or the name is taken.
func (s *Scheduler) AddJob(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = &job{spec: spec, id: id, task: task}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", spec)
	return nil
}

// Every schedules task to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	return s.AddJob(name, "@every "+interval.String(), task)
}

func (s *Scheduler) run(name string, task Task) {
	start := time.Now()
	if err := task(s.ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err)
		return
	}
	slog.Debug("Scheduler.run: job finished", "job", name, "elapsed", time.Since(start))
}

// RunNow runs a scheduled job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return j.task(s.ctx)
}

// Entries lists scheduled jobs ordered by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		e := s.cron.Entry(j.id)
		out = append(out, EntryInfo{Name: name, Spec: j.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
