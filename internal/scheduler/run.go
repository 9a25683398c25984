package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/logging"
	"github.com/linuxmatters/featuretrack/internal/store"
)

// run is the execution state of the active job of one source.
type run struct {
	job     *Job
	cc      *calc.Context
	started bool
	began   time.Time

	idx       int
	task      calc.Task
	tracks map[string]*feature.Track
	hasher *calc.InputHasher
	logger logging.Logger
}

func newRun(j *Job) *run {
	return &run{job: j, tracks: make(map[string]*feature.Track)}
}

// advance processes at most one slice of the job. It returns true once
// the job has finished, failed or been cancelled.
func (s *Scheduler) advance(r *run) bool {
	j := r.job

	if j.ctx.Err() != nil {
		s.cancelRun(r)
		return true
	}
	if !r.started && !s.begin(r) {
		s.cancelRun(r)
		return true
	}

	budget := s.opts.YieldEvery
	for budget > 0 {
		if !r.hasher.Done() {
			chunk := min(budget, s.opts.ProgressEvery)
			r.hasher.Step(max(chunk*r.cc.Params.HopSize, 1))
			budget -= chunk
			continue
		}
		if r.idx == len(j.calcs) {
			s.commit(r)
			return true
		}
		c := j.calcs[r.idx]

		if r.task == nil {
			task, err := safeBegin(c, r.cc)
			if err != nil {
				s.fail(r, c.ID(), err)
				return true
			}
			r.task = task
			r.logger.Debug("calculator started", logging.Fields{"calculator_id": c.ID(), "frames": task.Total()})
		}

		n, err := safeStep(j.ctx, r.task, min(budget, s.opts.ProgressEvery))
		budget -= max(n, 1)
		if err != nil {
			if j.ctx.Err() != nil {
				s.cancelRun(r)
			} else {
				s.fail(r, c.ID(), err)
			}
			return true
		}

		done := r.task.Done()
		s.report(r, c.ID())

		if done {
			track, err := safeResult(r.task)
			if err == nil {
				err = s.checkTrack(r, track)
			}
			if err != nil {
				s.fail(r, c.ID(), err)
				return true
			}
			r.tracks[c.FeatureKey()] = track
			r.idx++
			r.task = nil
		}
	}
	return false
}

// begin claims the source for the job. It returns false when the job was
// cancelled before it could mark the source pending.
func (s *Scheduler) begin(r *run) bool {
	j := r.job
	r.started = true
	r.began = time.Now()
	r.logger = s.jobLogger(j)

	req := j.req
	hopSeconds := float64(req.Params.HopSize) / float64(req.Params.SampleRate)
	r.cc = &calc.Context{
		SourceID: req.SourceID,
		Audio:    req.Audio,
		Params:   req.Params,
		Plans:    s.plans,
		HopTicks: req.Tempo.SpanTicks(req.StartTick, hopSeconds),
	}
	r.hasher = calc.NewInputHasher(req.Audio)

	if _, ok := s.store.MarkPending(j.ctx, req.SourceID, j.id); !ok {
		return false
	}
	r.logger.Info("job started", logging.Fields{
		"calculators": j.Calculators(),
		"merge":       req.Merge,
		"frames":      r.cc.FrameCount(),
	})
	return true
}

func (s *Scheduler) report(r *run, calculatorID string) {
	j := r.job
	processed, total := r.task.Processed(), r.task.Total()

	frac := 1.0
	if total > 0 {
		frac = float64(processed) / float64(total)
	}
	overall := (float64(r.idx) + frac) / float64(len(j.calcs))

	s.store.Progress(j.req.SourceID, j.id, overall)
	s.notify(Progress{
		JobID:        j.id,
		SourceID:     j.req.SourceID,
		CalculatorID: calculatorID,
		Processed:    processed,
		Total:        total,
		Overall:      overall,
	}, j.req.OnProgress)
}

// checkTrack enforces the shared hop grid before anything reaches the store.
func (s *Scheduler) checkTrack(r *run, t *feature.Track) error {
	if t == nil {
		return errors.New("calculator returned no track")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := feature.Subdivision(r.cc.HopSeconds(), t.HopSeconds)
	return err
}

func (s *Scheduler) commit(r *run) {
	j := r.job
	// a cancel that landed in the last progress callback still wins
	if j.ctx.Err() != nil {
		s.cancelRun(r)
		return
	}

	err := s.store.Ingest(j.req.SourceID, j.id, s.result(r))
	if err != nil {
		r.logger.Warn("job result discarded", logging.Fields{"reason": err.Error()})
	} else {
		r.logger.Info("job complete", logging.Fields{
			"tracks":   len(r.tracks),
			"duration": time.Since(r.began).Round(time.Millisecond).String(),
		})
	}
	s.finish(r, err)
}

func (s *Scheduler) fail(r *run, calculatorID string, cause error) {
	j := r.job
	calcErr := &calc.Error{CalculatorID: calculatorID, Err: cause}

	var partial *store.Result
	if j.req.Merge && len(r.tracks) > 0 {
		partial = s.result(r)
	}
	if err := s.store.Fail(j.req.SourceID, j.id, calculatorID, cause, partial); err != nil {
		r.logger.Warn("failure not recorded", logging.Fields{"reason": err.Error()})
	}
	r.logger.Error(cause, "calculator failed", logging.Fields{"calculator_id": calculatorID, "merged": partial != nil})
	s.finish(r, calcErr)
}

func (s *Scheduler) cancelRun(r *run) {
	j := r.job
	if r.started {
		s.store.RestoreStatus(j.req.SourceID, j.id)
		r.logger.Info("job cancelled", logging.Fields{"calculator_index": r.idx})
	}
	s.finish(r, cancelledErr())
}

func (s *Scheduler) finish(r *run, err error) {
	j := r.job
	j.err = err
	j.cancel()
	close(j.done)
}

// safeBegin, safeStep and safeResult turn calculator panics into errors
// so one misbehaving calculator only fails its own job.

func safeBegin(c calc.Calculator, cc *calc.Context) (task calc.Task, err error) {
	defer recoverInto(&err)
	return c.Begin(cc)
}

func safeStep(ctx context.Context, t calc.Task, budget int) (n int, err error) {
	defer recoverInto(&err)
	return t.Step(ctx, budget)
}

func safeResult(t calc.Task) (track *feature.Track, err error) {
	defer recoverInto(&err)
	return t.Result()
}

func recoverInto(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("panic: %v", p)
	}
}
