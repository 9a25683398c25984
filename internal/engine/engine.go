// Package engine wires the registry, scheduler, store, view adapter and
// intent bus into the API used by renderers and tools.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/fft"
	"github.com/linuxmatters/featuretrack/internal/intent"
	"github.com/linuxmatters/featuretrack/internal/logging"
	"github.com/linuxmatters/featuretrack/internal/scheduler"
	"github.com/linuxmatters/featuretrack/internal/store"
	"github.com/linuxmatters/featuretrack/internal/tempo"
	"github.com/linuxmatters/featuretrack/internal/view"
)

// Observer receives the diagnostics stream. Methods are called
// synchronously from the goroutine doing the work and must not block.
type Observer interface {
	AnalysisProgress(p scheduler.Progress)
	StatusChanged(sourceID string, status feature.Status)
	SampleServed(d view.Diagnostics)
}

// Options configures an Engine.
type Options struct {
	Config config.Config
	Logger logging.Logger

	// Tempo is the live tempo map; nil builds a constant map from
	// Config.PPQ and Config.BPM.
	Tempo *tempo.Mapper

	// Registry defaults to the built-in calculators.
	Registry *calc.Registry
	Observer Observer
}

// ScheduleOptions narrows a Schedule call.
type ScheduleOptions struct {
	Calculators []string
	StartTick   float64
	OnProgress  scheduler.ProgressFunc
}

type sourceAudio struct {
	pcm       *calc.PCM
	startTick float64
}

// Engine is the feature track cache.
type Engine struct {
	cfg      config.Config
	logger   logging.Logger
	registry *calc.Registry
	store    *store.Store
	sched    *scheduler.Scheduler
	view     *view.Adapter
	bus      *intent.Bus
	observer Observer

	mu    sync.Mutex
	tempo *tempo.Mapper
	audio map[string]sourceAudio
}

// New builds an engine. Jobs do not run until Start or Pump is called.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.OrNoOp(opts.Logger)
	live := opts.Tempo
	if live == nil {
		m, err := tempo.NewConstant(cfg.PPQ, cfg.BPM)
		if err != nil {
			return nil, err
		}
		live = m
	}
	registry := opts.Registry
	if registry == nil {
		registry = calc.NewDefaultRegistry(logger)
	}

	st := store.New(logger)
	st.SetLiveTempo(live.Hash())

	e := &Engine{
		cfg:      cfg,
		logger:   logger.WithFields(logging.Fields{"component": "engine"}),
		registry: registry,
		store:    st,
		sched:    scheduler.New(registry, st, fft.NewPlanCache(), scheduler.OptionsFromConfig(cfg), logger),
		view:     view.NewAdapter(live),
		bus:      intent.NewBus(logger),
		observer: opts.Observer,
		tempo:    live,
		audio:    make(map[string]sourceAudio),
	}

	// tracks older than the registered version are outdated, whether
	// they come from an earlier job or a restored payload
	for _, c := range registry.List() {
		st.InvalidateByCalculator(c.ID(), c.Version())
	}
	registry.OnUpgrade(func(id string, _, newVersion int) {
		st.InvalidateByCalculator(id, newVersion)
	})
	if e.observer != nil {
		e.sched.OnProgress(e.observer.AnalysisProgress)
		st.OnStatus(e.observer.StatusChanged)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Registry exposes the calculator registry.
func (e *Engine) Registry() *calc.Registry { return e.registry }

// Store exposes the cache store.
func (e *Engine) Store() *store.Store { return e.store }

// Bus exposes the intent bus.
func (e *Engine) Bus() *intent.Bus { return e.bus }

// Start runs jobs on worker goroutines until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) { e.sched.Start(ctx) }

// Pump runs every queued job to completion on the calling goroutine.
func (e *Engine) Pump(ctx context.Context) error { return e.sched.Pump(ctx) }

// Drain waits for every job known at the time of the call.
func (e *Engine) Drain(ctx context.Context) error { return e.sched.Drain(ctx) }

// Pending is the number of queued or running jobs.
func (e *Engine) Pending() int { return e.sched.Pending() }

// RegisterCalculator adds a calculator. Registering a higher version of
// an existing id marks caches holding older tracks Stale.
func (e *Engine) RegisterCalculator(c calc.Calculator) error {
	if err := e.registry.Register(c); err != nil {
		return err
	}
	e.store.InvalidateByCalculator(c.ID(), c.Version())
	return nil
}

// Params returns the analysis parameters used for audio at sampleRate.
func (e *Engine) Params(sampleRate int) feature.AnalysisParams {
	return feature.AnalysisParams{
		SampleRate:  sampleRate,
		WindowSize:  e.cfg.WindowSize,
		HopSize:     e.cfg.HopSize,
		FFTSize:     e.cfg.FFTSize,
		MinDecibels: e.cfg.MinDecibels,
		MaxDecibels: e.cfg.MaxDecibels,
		Subdivision: e.cfg.WaveformSubdivision,
	}
}

// Schedule queues a full analysis of pcm for sourceID. The audio is kept
// for later Reanalyze calls.
func (e *Engine) Schedule(sourceID string, pcm *calc.PCM, opts ScheduleOptions) (*scheduler.Job, error) {
	if err := pcm.Validate(); err != nil {
		return nil, fmt.Errorf("source %s: %w", sourceID, err)
	}

	e.mu.Lock()
	live := e.tempo
	e.mu.Unlock()

	job, err := e.sched.Schedule(scheduler.Request{
		SourceID:      sourceID,
		Audio:         pcm,
		Params:        e.Params(pcm.SampleRate),
		CalculatorIDs: opts.Calculators,
		Tempo:         live,
		StartTick:     opts.StartTick,
		OnProgress:    opts.OnProgress,
	})
	if err != nil {
		return nil, err
	}

	e.store.Bind(sourceID)
	e.mu.Lock()
	e.audio[sourceID] = sourceAudio{pcm: pcm, startTick: opts.StartTick}
	e.mu.Unlock()
	return job, nil
}

// Reanalyze schedules a merge job for the listed calculators against the
// audio last scheduled for sourceID. Only their tracks are replaced.
func (e *Engine) Reanalyze(sourceID string, calculatorIDs []string) (*scheduler.Job, error) {
	e.mu.Lock()
	src, ok := e.audio[sourceID]
	live := e.tempo
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("source %s has no audio to reanalyze", sourceID)
	}

	return e.sched.Schedule(scheduler.Request{
		SourceID:      sourceID,
		Audio:         src.pcm,
		Params:        e.Params(src.pcm.SampleRate),
		CalculatorIDs: calculatorIDs,
		Merge:         true,
		Tempo:         live,
		StartTick:     src.startTick,
	})
}

// Clear cancels the source's jobs and drops its cache and audio.
func (e *Engine) Clear(sourceID string) bool {
	cancelled := e.sched.Cancel(sourceID)
	e.mu.Lock()
	_, hadAudio := e.audio[sourceID]
	delete(e.audio, sourceID)
	e.mu.Unlock()
	cleared := e.store.Clear(sourceID)

	if cleared || hadAudio {
		e.logger.Info("source cleared", logging.Fields{"source_id": sourceID, "jobs_cancelled": cancelled})
	}
	return cleared || hadAudio
}

// MarkStale flags the source's cache as outdated. It fails for a source
// without a cache or with a job in flight.
func (e *Engine) MarkStale(sourceID string) error {
	if err := e.store.MarkStale(sourceID, feature.ReasonManual); err != nil {
		return err
	}
	e.logger.Info("cache marked stale", logging.Fields{"source_id": sourceID})
	return nil
}

// InputChanged reports whether pcm differs from the audio the source's
// cache was computed from. A source without a cache reports false.
func (e *Engine) InputChanged(sourceID string, pcm *calc.PCM) bool {
	return e.store.InputChanged(sourceID, pcm.Hash())
}

// SetTempoMap swaps the live tempo map and returns the sources whose
// caches became Stale.
func (e *Engine) SetTempoMap(m *tempo.Mapper) []string {
	e.mu.Lock()
	e.tempo = m
	e.mu.Unlock()

	e.view.SetTempo(m)
	affected := e.store.SetLiveTempo(m.Hash())
	e.logger.Info("tempo map changed", logging.Fields{"hash": m.Hash()[:12], "stale_sources": len(affected)})
	return affected
}

// Tempo returns the live tempo map.
func (e *Engine) Tempo() *tempo.Mapper {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tempo
}

// Sample reads the descriptor at tick. It never fails: a nil frame comes
// with a fallback reason.
func (e *Engine) Sample(sourceID string, d feature.Descriptor, tick float64, mode view.Interpolation) (*view.Frame, view.Diagnostics) {
	entry, _ := e.store.Snapshot(sourceID)
	f, diag := e.view.Sample(entry, d, tick, mode)
	diag.SourceID = sourceID
	e.served(diag)
	return f, diag
}

// SampleRange reads every native frame between two ticks.
func (e *Engine) SampleRange(sourceID string, d feature.Descriptor, startTick, endTick float64) ([]view.Frame, view.Diagnostics) {
	entry, _ := e.store.Snapshot(sourceID)
	frames, diag := e.view.SampleRange(entry, d, startTick, endTick)
	diag.SourceID = sourceID
	e.served(diag)
	return frames, diag
}

func (e *Engine) served(d view.Diagnostics) {
	if e.observer != nil {
		e.observer.SampleServed(d)
	}
}

// Publish records a consumer's descriptors for sourceID. It never
// schedules analysis.
func (e *Engine) Publish(consumerID, sourceID string, descriptors []feature.Descriptor) (bool, error) {
	return e.bus.Publish(consumerID, sourceID, descriptors)
}

// Unpublish withdraws every intent of the consumer. Cached data stays.
func (e *Engine) Unpublish(consumerID string) bool {
	return e.bus.Unpublish(consumerID)
}

// Report compares what consumers require with what a cache holds.
type Report struct {
	SourceID  string
	Status    feature.Status
	Present   []string
	Required  []feature.Descriptor
	Missing   []feature.Descriptor
	Consumers []string
	InputHash string
}

// Diagnostics builds the required-versus-present report for sourceID.
func (e *Engine) Diagnostics(sourceID string) Report {
	entry, _ := e.store.Snapshot(sourceID)
	r := Report{
		SourceID:  sourceID,
		Status:    e.store.Status(sourceID),
		Required:  e.bus.Required(sourceID),
		Missing:   e.bus.Missing(sourceID, entry.Cache),
		Consumers: e.bus.Consumers(sourceID),
	}
	if entry.Cache != nil {
		r.Present = entry.Cache.FeatureKeys()
		r.InputHash = entry.Cache.InputHash
	}
	return r
}

// MarshalCache serializes the source's cache payload.
func (e *Engine) MarshalCache(sourceID string) ([]byte, error) {
	c := e.store.Cache(sourceID)
	if c == nil {
		return nil, fmt.Errorf("source %s has no cache", sourceID)
	}
	return feature.Marshal(c, e.registry.Codec)
}

// RestoreCache installs a serialized payload. Its status is derived from
// the registered calculator versions and the live tempo map.
func (e *Engine) RestoreCache(data []byte) (*feature.Cache, error) {
	c, err := feature.Unmarshal(data, e.registry.Codec)
	if err != nil {
		return nil, err
	}
	if err := e.store.Restore(c); err != nil {
		return nil, err
	}
	return c, nil
}
