// Package scheduler runs named jobs at fixed intervals. One instance of a
// job runs at a time; missed triggers are coalesced rather than backlogged,
// and triggers older than the misfire grace are skipped outright.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// JobFunc is one job body. It observes ctx for shutdown.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc

	runs      atomic.Uint64
	failures  atomic.Uint64
	misfires  atomic.Uint64
	lastStart atomic.Int64 // unix nanos
}

// Options tunes scheduler behavior.
type Options struct {
	MisfireGrace  time.Duration
	ShutdownGrace time.Duration
}

func (o *Options) defaults() {
	if o.MisfireGrace <= 0 {
		o.MisfireGrace = 60 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Scheduler owns the job set. Register before Start; the set is fixed once
// running.
type Scheduler struct {
	opts Options

	mu   sync.Mutex
	jobs []*job

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler.
func New(opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{opts: opts}
}

// Register adds a job. Panics if the scheduler already started; jobs are
// wired during startup only.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: register after start")
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start launches one ticker goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, j)
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop cancels all jobs and waits up to the shutdown grace for in-flight
// runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		log.Warn().Dur("grace", s.opts.ShutdownGrace).Msg("scheduler shutdown grace elapsed with jobs in flight")
	}
}

// runLoop drives one job. The loop body is sequential, so a run that
// overstays its interval naturally serializes with the next trigger; the
// ticker's one-slot buffer coalesces everything missed in between.
func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if lag := time.Since(tick); lag > s.opts.MisfireGrace {
				j.misfires.Add(1)
				log.Warn().Str("job", j.name).Dur("lag", lag).Msg("skipping misfired trigger")
				continue
			}
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	j.runs.Add(1)
	start := time.Now()
	j.lastStart.Store(start.UnixNano())
	if err := j.fn(ctx); err != nil {
		j.failures.Add(1)
		log.Error().Err(err).Str("job", j.name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}
	log.Debug().Str("job", j.name).Dur("elapsed", time.Since(start)).Msg("job completed")
}

// JobStats is a point-in-time view of one job's counters.
type JobStats struct {
	Name      string
	Interval  time.Duration
	Runs      uint64
	Failures  uint64
	Misfires  uint64
	LastStart time.Time
}

// Stats snapshots all job counters.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		stats := JobStats{
			Name: j.name, Interval: j.interval,
			Runs: j.runs.Load(), Failures: j.failures.Load(), Misfires: j.misfires.Load(),
		}
		if ns := j.lastStart.Load(); ns > 0 {
			stats.LastStart = time.Unix(0, ns)
		}
		out = append(out, stats)
	}
	return out
}
