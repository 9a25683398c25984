// Package scheduler runs analysis jobs against the cache store.
//
// Jobs for one source run strictly one after another; jobs for different
// sources interleave. Calculators are advanced in bounded slices so the
// same job behaves identically on per-source goroutines (Start) and in a
// single cooperative loop (Pump).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/fft"
	"github.com/linuxmatters/featuretrack/internal/logging"
	"github.com/linuxmatters/featuretrack/internal/store"
)

// Options controls slice sizes and parallelism.
type Options struct {
	// YieldEvery is the number of frames processed before yielding.
	YieldEvery int
	// ProgressEvery is the number of frames between progress reports.
	ProgressEvery int
	// MaxParallel bounds concurrently running sources in Start mode.
	MaxParallel int
}

// OptionsFromConfig takes the scheduler cadence from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		YieldEvery:    cfg.YieldEvery,
		ProgressEvery: cfg.ProgressEvery,
		MaxParallel:   cfg.MaxParallel,
	}
}

func (o Options) withDefaults() Options {
	if o.YieldEvery <= 0 {
		o.YieldEvery = config.YieldEvery
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = config.ProgressEvery
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = config.MaxParallel
	}
	return o
}

type sourceQueue struct {
	jobs   []*Job
	active *run
	worker bool
}

// Scheduler serializes analysis jobs per source.
type Scheduler struct {
	registry *calc.Registry
	store    *store.Store
	plans    *fft.PlanCache
	opts     Options
	logger   logging.Logger

	mu        sync.Mutex
	queues    map[string]*sourceQueue
	started   bool
	sem       chan struct{}
	observers []ProgressFunc
}

// New creates a scheduler. plans may be nil.
func New(registry *calc.Registry, st *store.Store, plans *fft.PlanCache, opts Options, logger logging.Logger) *Scheduler {
	if plans == nil {
		plans = fft.NewPlanCache()
	}
	opts = opts.withDefaults()
	return &Scheduler{
		registry: registry,
		store:    st,
		plans:    plans,
		opts:     opts,
		logger:   logging.OrNoOp(logger).WithFields(logging.Fields{"component": "scheduler"}),
		queues:   make(map[string]*sourceQueue),
		sem:      make(chan struct{}, opts.MaxParallel),
	}
}

// OnProgress adds an observer receiving every job's progress.
func (s *Scheduler) OnProgress(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Schedule validates and queues a job. Unknown calculator ids fail with
// calc.ErrUnknownCalculator before anything is queued.
func (s *Scheduler) Schedule(req Request) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	calcs, err := s.registry.Resolve(req.CalculatorIDs)
	if err != nil {
		return nil, err
	}
	if len(calcs) == 0 {
		return nil, fmt.Errorf("source %s: no calculators to run", req.SourceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:     uuid.NewString(),
		req:    req,
		calcs:  calcs,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	q, ok := s.queues[req.SourceID]
	if !ok {
		q = &sourceQueue{}
		s.queues[req.SourceID] = q
	}
	q.jobs = append(q.jobs, job)
	spawn := s.started && !q.worker
	if spawn {
		q.worker = true
	}
	s.mu.Unlock()

	s.logger.Debug("job queued", logging.Fields{
		"job_id":      job.id,
		"source_id":   req.SourceID,
		"calculators": job.Calculators(),
		"merge":       req.Merge,
	})

	if spawn {
		go s.work(req.SourceID)
	}
	return job, nil
}

// Cancel cancels every queued and running job for sourceID.
func (s *Scheduler) Cancel(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[sourceID]
	if !ok {
		return 0
	}
	n := 0
	for _, j := range q.jobs {
		j.cancel()
		n++
	}
	if q.active != nil {
		q.active.job.cancel()
		n++
	}
	return n
}

// CancelAll cancels every job.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

// Pending returns the number of queued or running jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q.jobs)
		if q.active != nil {
			n++
		}
	}
	return n
}

// Start runs jobs on one goroutine per source, at most MaxParallel at a
// time. Cancelling ctx cancels every job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	var spawn []string
	for id, q := range s.queues {
		if !q.worker {
			q.worker = true
			spawn = append(spawn, id)
		}
	}
	s.mu.Unlock()

	for _, id := range spawn {
		go s.work(id)
	}
	go func() {
		<-ctx.Done()
		s.CancelAll()
	}()
}

// Pump advances every source's active job one slice at a time, in source
// order, until no work remains. It must not be used after Start.
func (s *Scheduler) Pump(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return errors.New("scheduler already started with worker goroutines")
	}

	for {
		if err := ctx.Err(); err != nil {
			s.CancelAll()
			return err
		}
		runs := s.activeRuns()
		if len(runs) == 0 {
			return nil
		}
		for _, r := range runs {
			if s.advance(r) {
				s.complete(r)
			}
		}
	}
}

// Drain waits until every job known at the time of the call is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	var jobs []*Job
	for _, q := range s.queues {
		if q.active != nil {
			jobs = append(jobs, q.active.job)
		}
		jobs = append(jobs, q.jobs...)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) work(sourceID string) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	for {
		r := s.next(sourceID)
		if r == nil {
			return
		}
		for !s.advance(r) {
			runtime.Gosched()
		}
		s.complete(r)
	}
}

// next pops the source's next job, or retires the worker when none is left.
func (s *Scheduler) next(sourceID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[sourceID]
	if q == nil || len(q.jobs) == 0 {
		if q != nil {
			q.worker = false
			if q.active == nil {
				delete(s.queues, sourceID)
			}
		}
		return nil
	}
	r := newRun(q.jobs[0])
	q.jobs = q.jobs[1:]
	q.active = r
	return r
}

// activeRuns promotes each idle source's head job and returns the active
// runs in source order.
func (s *Scheduler) activeRuns() []*run {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runs := make([]*run, 0, len(ids))
	for _, id := range ids {
		q := s.queues[id]
		if q.active == nil {
			if len(q.jobs) == 0 {
				delete(s.queues, id)
				continue
			}
			q.active = newRun(q.jobs[0])
			q.jobs = q.jobs[1:]
		}
		runs = append(runs, q.active)
	}
	return runs
}

func (s *Scheduler) complete(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[r.job.req.SourceID]
	if q == nil || q.active != r {
		return
	}
	q.active = nil
	if len(q.jobs) == 0 && !q.worker {
		delete(s.queues, r.job.req.SourceID)
	}
}

func (s *Scheduler) notify(p Progress, own ProgressFunc) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()

	if own != nil {
		own(p)
	}
	for _, fn := range observers {
		fn(p)
	}
}

// jobLogger returns a logger carrying the job's identity.
func (s *Scheduler) jobLogger(j *Job) logging.Logger {
	return s.logger.WithFields(logging.Fields{"job_id": j.id, "source_id": j.req.SourceID})
}

// result assembles the store result from the tracks finished so far.
func (s *Scheduler) result(r *run) *store.Result {
	p := r.job.req.Params
	return &store.Result{
		Tracks:     r.tracks,
		HopSeconds: r.cc.HopSeconds(),
		HopTicks:   r.cc.HopTicks,
		FrameCount: r.cc.FrameCount(),
		Tempo: feature.TempoProjection{
			StartTick:    r.job.req.StartTick,
			TempoMapHash: r.job.req.Tempo.Hash(),
		},
		Params:    p,
		ProfileID: ProfileID(p),
		InputHash: r.hasher.Sum(),
	}
}

// ProfileID names a parameter set, e.g. "w1024-h512-f1024".
func ProfileID(p feature.AnalysisParams) string {
	return fmt.Sprintf("w%d-h%d-f%d", p.WindowSize, p.HopSize, p.FFTSize)
}
