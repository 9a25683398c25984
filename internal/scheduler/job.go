package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/tempo"
)

// ErrCancelled reports a cooperatively aborted job. It is not a failure:
// the cache and status are left as they were before the job. Errors
// returned for cancelled jobs also match context.Canceled.
var ErrCancelled = errors.New("analysis cancelled")

// Progress is one progress report from a running job.
type Progress struct {
	JobID        string
	SourceID     string
	CalculatorID string
	Processed    int
	Total        int

	// Overall is the job's completion ratio across all calculators.
	Overall float64
}

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// Request describes an analysis job.
type Request struct {
	SourceID string
	Audio    *calc.PCM
	Params   feature.AnalysisParams

	// CalculatorIDs restricts the job; empty runs every registered
	// calculator.
	CalculatorIDs []string

	// Merge marks a targeted re-analysis: on failure the tracks of the
	// calculators that did finish are still merged.
	Merge bool

	Tempo     *tempo.Mapper
	StartTick float64

	OnProgress ProgressFunc
}

func (r Request) validate() error {
	if r.SourceID == "" {
		return errors.New("source id must not be empty")
	}
	if err := r.Audio.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", r.SourceID, err)
	}
	if r.Tempo == nil {
		return fmt.Errorf("source %s: tempo map is required", r.SourceID)
	}
	p := r.Params
	if p.SampleRate != r.Audio.SampleRate {
		return fmt.Errorf("source %s: params sample rate %d does not match audio %d", r.SourceID, p.SampleRate, r.Audio.SampleRate)
	}
	if p.HopSize <= 0 || p.WindowSize <= 0 || p.WindowSize > p.FFTSize {
		return fmt.Errorf("source %s: invalid window %d / hop %d / fft %d", r.SourceID, p.WindowSize, p.HopSize, p.FFTSize)
	}
	if p.FFTSize&(p.FFTSize-1) != 0 {
		return fmt.Errorf("source %s: fft size %d is not a power of two", r.SourceID, p.FFTSize)
	}
	if p.MinDecibels >= p.MaxDecibels {
		return fmt.Errorf("source %s: decibel range [%g, %g] is empty", r.SourceID, p.MinDecibels, p.MaxDecibels)
	}
	return nil
}

// Job is a scheduled analysis.
type Job struct {
	id    string
	req   Request
	calcs []calc.Calculator

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ID is the job's unique id.
func (j *Job) ID() string { return j.id }

// SourceID is the source the job analyses.
func (j *Job) SourceID() string { return j.req.SourceID }

// Merge reports whether this is a targeted merge job.
func (j *Job) Merge() bool { return j.req.Merge }

// Calculators returns the ids the job runs, in order.
func (j *Job) Calculators() []string {
	ids := make([]string, len(j.calcs))
	for i, c := range j.calcs {
		ids[i] = c.ID()
	}
	return ids
}

// Cancel asks the job to stop at its next frame boundary.
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the job has finished, failed or been cancelled.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the job outcome; valid after Done is closed. It is nil on
// success, matches ErrCancelled when cancelled and is a *calc.Error when
// a calculator failed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelledErr() error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Canceled)
}
