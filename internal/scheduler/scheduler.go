// Package scheduler runs the batch jobs on cron schedules and keeps the
// outcome of the most recent run of each.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	appLog "fairplay/internal/log"
	"fairplay/internal/metrics"
)

// Off disables a job's schedule; the job can still be run on demand.
const Off = "off"

// ErrBusy is returned by RunNow when the job is already running, whether
// started by its schedule or by another RunNow.
var ErrBusy = errors.New("scheduler: job is already running")

// Outcome is what a job reports back after a run.
type Outcome struct {
	// Processed is the number of instances the run changed.
	Processed int
	// Stats is the job-specific detail, exposed as-is by the status API.
	Stats any
}

// RunFunc executes one run of a job for the given instant.
type RunFunc func(ctx context.Context, now time.Time) (Outcome, error)

// Job describes a scheduled batch job.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds one run; zero means none.
	Timeout time.Duration
	Run     RunFunc
}

// Result is the record of one finished run.
type Result struct {
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Processed  int       `json:"processed"`
	Stats      any       `json:"stats,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status is a job's configuration plus its last result, if any.
type Status struct {
	Job      string     `json:"job"`
	Schedule string     `json:"schedule"`
	Next     *time.Time `json:"next,omitempty"`
	Last     *Result    `json:"last,omitempty"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running atomic.Bool
}

// Scheduler wraps a cron runner. Runs of the same job never overlap: a tick
// that fires while the job is running is skipped, and RunNow returns
// ErrBusy.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*entry
	last map[string]Result
}

// New builds a scheduler evaluating schedules in loc. m may be nil.
func New(loc *time.Location, m *metrics.Metrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		metrics: m,
		now:     time.Now,
		jobs:    map[string]*entry{},
		last:    map[string]Result{},
	}
}

// Add registers job. A schedule of Off registers the job for RunNow only.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", job.Name)
	}

	e := &entry{job: job}
	if job.Schedule != Off {
		id, err := s.cron.AddFunc(job.Schedule, func() {
			_, _ = s.execute(context.Background(), e)
		})
		if err != nil {
			return fmt.Errorf("scheduler: job %q: bad schedule %q: %w", job.Name, job.Schedule, err)
		}
		e.id = id
	}
	s.jobs[job.Name] = e
	appLog.Info("scheduler: job registered", "job", job.Name, "schedule", job.Schedule, "timeout", job.Timeout)
	return nil
}

// RunNow runs the named job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Result, error) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (Result, error) {
	job := e.job
	if !e.running.CompareAndSwap(false, true) {
		appLog.Info("scheduler: job still running; skipping", "job", job.Name)
		return Result{Job: job.Name}, ErrBusy
	}
	defer e.running.Store(false)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	started := s.now()
	out, err := job.Run(ctx, started)
	took := s.now().Sub(started)

	res := Result{
		Job:        job.Name,
		StartedAt:  started,
		DurationMS: took.Milliseconds(),
		Processed:  out.Processed,
		Stats:      out.Stats,
	}
	if err != nil {
		res.Error = err.Error()
		appLog.Error("scheduler: job failed", err, "job", job.Name, "took", took)
	} else {
		appLog.Info("scheduler: job finished", "job", job.Name, "processed", out.Processed, "took", took)
	}

	s.mu.Lock()
	s.last[job.Name] = res
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveRun(job.Name, took, out.Processed, err, s.now())
	}
	return res, err
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("scheduler: started", "jobs", len(s.cron.Entries()))
}

// Stop halts scheduling and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Statuses returns every registered job ordered by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.jobs))
	for name, e := range s.jobs {
		st := Status{Job: name, Schedule: e.job.Schedule}
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				st.Next = &next
			}
		}
		if r, ok := s.last[name]; ok {
			st.Last = &r
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// cronLogger routes cron's own messages (panics, skipped ticks) through
// the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
