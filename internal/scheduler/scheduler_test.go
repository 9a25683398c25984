package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/store"
	"github.com/linuxmatters/featuretrack/internal/tempo"
)

const sampleRate = 8000

func testPCM(freq float64) *calc.PCM {
	ch := make([]float32, sampleRate)
	for i := range ch {
		ch[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return &calc.PCM{SampleRate: sampleRate, Channels: [][]float32{ch}}
}

func testParams() feature.AnalysisParams {
	return feature.AnalysisParams{
		SampleRate:  sampleRate,
		WindowSize:  256,
		HopSize:     128,
		FFTSize:     256,
		MinDecibels: -80,
		MaxDecibels: 0,
		Subdivision: 8,
	}
}

type fixture struct {
	registry *calc.Registry
	store    *store.Store
	sched    *Scheduler
	tempo    *tempo.Mapper
}

func newFixture(t *testing.T, opts Options, extra ...calc.Calculator) *fixture {
	t.Helper()
	reg := calc.NewDefaultRegistry(nil)
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", c.ID(), err)
		}
	}
	m, err := tempo.NewConstant(960, 120)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(nil)
	st.SetLiveTempo(m.Hash())
	return &fixture{
		registry: reg,
		store:    st,
		sched:    New(reg, st, nil, opts, nil),
		tempo:    m,
	}
}

func (f *fixture) request(sourceID string, ids ...string) Request {
	return Request{
		SourceID:      sourceID,
		Audio:         testPCM(440),
		Params:        testParams(),
		CalculatorIDs: ids,
		Tempo:         f.tempo,
	}
}

func (f *fixture) schedule(t *testing.T, req Request) *Job {
	t.Helper()
	job, err := f.sched.Schedule(req)
	if err != nil {
		t.Fatalf("Schedule(%s): %v", req.SourceID, err)
	}
	return job
}

func (f *fixture) pump(t *testing.T) {
	t.Helper()
	if err := f.sched.Pump(context.Background()); err != nil {
		t.Fatalf("Pump: %v", err)
	}
}

type brokenCalculator struct {
	failAt int
}

func (b brokenCalculator) ID() string         { return "broken" }
func (b brokenCalculator) Version() int       { return 1 }
func (b brokenCalculator) FeatureKey() string { return "broken" }
func (b brokenCalculator) Begin(cc *calc.Context) (calc.Task, error) {
	return calc.NewFrameTask(cc.FrameCount(), func(i int) error {
		if i == b.failAt {
			panic("index out of range")
		}
		return nil
	}, func() (*feature.Track, error) { return nil, nil }), nil
}

func TestJobPopulatesCache(t *testing.T) {
	f := newFixture(t, Options{})
	job := f.schedule(t, f.request("kick"))
	f.pump(t)

	if err := job.Err(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	e, _ := f.store.Snapshot("kick")
	if e.Status.State != feature.StateReady {
		t.Fatalf("status = %v, want ready", e.Status)
	}

	c := e.Cache
	wantFrames := calc.FrameCount(sampleRate, 256, 128)
	if c.FrameCount != wantFrames || c.HopSeconds != 128.0/sampleRate {
		t.Errorf("cache grid = %d frames @ %vs", c.FrameCount, c.HopSeconds)
	}
	// 16ms at 120 BPM / 960 PPQ is 30.72 ticks
	if math.Abs(c.HopTicks-30.72) > 1e-9 {
		t.Errorf("HopTicks = %v, want 30.72", c.HopTicks)
	}
	if c.Tempo.TempoMapHash != f.tempo.Hash() {
		t.Errorf("tempo hash not recorded")
	}
	if got := c.FeatureKeys(); len(got) != 3 {
		t.Errorf("features = %v, want three built-ins", got)
	}
	if _, ok := c.Profiles[ProfileID(testParams())]; !ok {
		t.Errorf("analysis profile not recorded: %v", c.Profiles)
	}
}

// TestTwoSourcesIsolated schedules two sources and checks each progress
// callback only ever sees its own source.
func TestTwoSourcesIsolated(t *testing.T) {
	f := newFixture(t, Options{YieldEvery: 8, ProgressEvery: 4})

	var mu sync.Mutex
	seen := map[string][]string{}
	sink := func(owner string) ProgressFunc {
		return func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			seen[owner] = append(seen[owner], p.SourceID)
		}
	}

	reqA := f.request("a")
	reqA.OnProgress = sink("a")
	reqB := f.request("b")
	reqB.OnProgress = sink("b")
	jobA := f.schedule(t, reqA)
	jobB := f.schedule(t, reqB)
	f.pump(t)

	for _, j := range []*Job{jobA, jobB} {
		if err := j.Err(); err != nil {
			t.Errorf("job %s: %v", j.SourceID(), err)
		}
		if st := f.store.Status(j.SourceID()); st.State != feature.StateReady {
			t.Errorf("%s status = %v", j.SourceID(), st)
		}
	}

	for owner, sources := range seen {
		t.Logf("%s received %d progress reports", owner, len(sources))
		for _, src := range sources {
			if src != owner {
				t.Fatalf("callback for %s observed progress of %s", owner, src)
			}
		}
	}
	if len(seen["a"]) == 0 || len(seen["b"]) == 0 {
		t.Errorf("missing progress reports: %v", seen)
	}
}

// TestCancelAfterFirstProgress cancels from inside the first progress
// callback and requires the pre-job status and cache to survive.
func TestCancelAfterFirstProgress(t *testing.T) {
	f := newFixture(t, Options{YieldEvery: 8, ProgressEvery: 2})

	first := f.schedule(t, f.request("kick"))
	f.pump(t)
	if err := first.Err(); err != nil {
		t.Fatalf("first job: %v", err)
	}
	before, _ := f.store.Snapshot("kick")

	req := f.request("kick")
	var job *Job
	var reports int
	req.OnProgress = func(p Progress) {
		reports++
		if reports == 1 {
			job.Cancel()
		}
	}
	job = f.schedule(t, req)
	f.pump(t)

	err := job.Err()
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("job error = %v, want ErrCancelled", err)
	}
	after, _ := f.store.Snapshot("kick")
	if after.Status.State != feature.StateReady {
		t.Errorf("status = %v, want pre-job ready", after.Status)
	}
	if after.Cache != before.Cache {
		t.Errorf("cancelled job replaced the cache")
	}
	if reports != 1 {
		t.Errorf("received %d reports, want exactly 1 before cancellation", reports)
	}
}

func TestCancelFromIdleLeavesIdle(t *testing.T) {
	f := newFixture(t, Options{YieldEvery: 8, ProgressEvery: 2})

	req := f.request("kick")
	var job *Job
	req.OnProgress = func(Progress) { job.Cancel() }
	job = f.schedule(t, req)
	f.pump(t)

	e, _ := f.store.Snapshot("kick")
	if e.Status.State != feature.StateIdle || e.Cache != nil {
		t.Errorf("entry after cancel = %+v, want idle without cache", e)
	}
}

// TestInputHashSpreadAcrossSlices checks fingerprinting the input obeys
// the slice budget and finishes before any calculator starts.
func TestInputHashSpreadAcrossSlices(t *testing.T) {
	f := newFixture(t, Options{YieldEvery: 4, ProgressEvery: 4})
	req := f.request("kick")
	job := f.schedule(t, req)
	r := newRun(job)

	if f.sched.advance(r) {
		t.Fatalf("job finished in one slice")
	}
	if r.hasher.Done() || r.task != nil {
		t.Errorf("first slice hashed the whole input or started a calculator")
	}

	slices := 1
	for !f.sched.advance(r) {
		slices++
	}
	t.Logf("job took %d slices", slices)

	// 8000 samples at 4 hops of 128 per slice
	if slices < 16 {
		t.Errorf("job took %d slices, want hashing spread over at least 16", slices)
	}
	if err := job.Err(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if c := f.store.Cache("kick"); c == nil || c.InputHash != req.Audio.Hash() {
		t.Errorf("input hash not recorded")
	}
}

// TestCancelledJobDoesNotRebindClearedSource covers a Clear landing
// between the cancellation check and the job marking its source pending.
func TestCancelledJobDoesNotRebindClearedSource(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.schedule(t, f.request("kick"))
	f.pump(t)
	if err := first.Err(); err != nil {
		t.Fatalf("first job: %v", err)
	}

	job := f.schedule(t, f.request("kick"))
	r := newRun(job)
	f.sched.Cancel("kick")
	f.store.Clear("kick")

	if f.sched.begin(r) {
		t.Errorf("begin claimed the source for a cancelled job")
	}
	if _, ok := f.store.Snapshot("kick"); ok {
		t.Errorf("cleared source was recreated")
	}

	f.sched.cancelRun(r)
	if !errors.Is(job.Err(), ErrCancelled) {
		t.Errorf("job = %v, want cancelled", job.Err())
	}
	if _, ok := f.store.Snapshot("kick"); ok {
		t.Errorf("cancel restored a cleared source")
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.schedule(t, f.request("kick"))
	second := f.schedule(t, f.request("kick"))
	second.Cancel()
	f.pump(t)

	if first.Err() != nil {
		t.Errorf("first job: %v", first.Err())
	}
	if !errors.Is(second.Err(), ErrCancelled) {
		t.Errorf("second job = %v, want cancelled", second.Err())
	}
	if f.store.Status("kick").State != feature.StateReady {
		t.Errorf("status = %v", f.store.Status("kick"))
	}
}

// TestCalculatorPanicMarksFailed checks a panicking calculator fails the
// job, discards the tracks of calculators that already completed and
// records the calculator id.
func TestCalculatorPanicMarksFailed(t *testing.T) {
	f := newFixture(t, Options{}, brokenCalculator{failAt: 3})
	job := f.schedule(t, f.request("kick"))
	f.pump(t)

	var calcErr *calc.Error
	if !errors.As(job.Err(), &calcErr) || calcErr.CalculatorID != "broken" {
		t.Fatalf("job error = %v, want calculator error from broken", job.Err())
	}

	e, _ := f.store.Snapshot("kick")
	if e.Status.State != feature.StateFailed || e.Status.CalculatorID != "broken" {
		t.Errorf("status = %+v", e.Status)
	}
	t.Logf("failure message: %s", e.Status.Message)
	if e.Cache != nil {
		t.Errorf("failed full job wrote a cache")
	}
}

func TestMergeJobFailureKeepsCompletedTracks(t *testing.T) {
	f := newFixture(t, Options{}, brokenCalculator{failAt: 0})
	first := f.schedule(t, f.request("kick", "spectrogram"))
	f.pump(t)
	if first.Err() != nil {
		t.Fatalf("first job: %v", first.Err())
	}
	spectro, _ := f.store.Cache("kick").Track("spectrogram")

	req := f.request("kick", "broken", "rms")
	req.Merge = true
	job := f.schedule(t, req)
	f.pump(t)

	if job.Err() == nil {
		t.Fatalf("merge job should fail")
	}
	c := f.store.Cache("kick")
	if _, ok := c.Track("rms"); !ok {
		t.Errorf("rms completed before the failure but was not merged")
	}
	if got, _ := c.Track("spectrogram"); got != spectro {
		t.Errorf("untouched spectrogram track was replaced")
	}
	if st := f.store.Status("kick"); st.State != feature.StateFailed {
		t.Errorf("status = %v, want failed", st)
	}
}

func TestScheduleRejectsUnknownCalculator(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.sched.Schedule(f.request("kick", "chroma"))
	if !errors.Is(err, calc.ErrUnknownCalculator) {
		t.Errorf("Schedule error = %v, want ErrUnknownCalculator", err)
	}
	if f.sched.Pending() != 0 {
		t.Errorf("rejected job was queued")
	}
}

func TestScheduleRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Options{})

	noAudio := f.request("kick")
	noAudio.Audio = nil
	badFFT := f.request("kick")
	badFFT.Params.FFTSize = 300
	noTempo := f.request("kick")
	noTempo.Tempo = nil

	for name, req := range map[string]Request{"no audio": noAudio, "bad fft": badFFT, "no tempo": noTempo} {
		if _, err := f.sched.Schedule(req); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// TestCalculatorsRunInRegistrationOrder requests calculators out of order
// and checks they still run in registration order.
func TestCalculatorsRunInRegistrationOrder(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.request("kick", "waveform", "spectrogram")
	var order []string
	req.OnProgress = func(p Progress) {
		if len(order) == 0 || order[len(order)-1] != p.CalculatorID {
			order = append(order, p.CalculatorID)
		}
	}
	f.schedule(t, req)
	f.pump(t)

	if len(order) != 2 || order[0] != "spectrogram" || order[1] != "waveform" {
		t.Errorf("run order = %v, want [spectrogram waveform]", order)
	}
}

func TestSameSourceJobsRunSequentially(t *testing.T) {
	f := newFixture(t, Options{YieldEvery: 4, ProgressEvery: 2})

	var events []string
	mk := func(tag string) Request {
		req := f.request("kick", "rms")
		req.OnProgress = func(Progress) { events = append(events, tag) }
		return req
	}
	f.schedule(t, mk("first"))
	f.schedule(t, mk("second"))
	f.pump(t)

	switched := false
	for _, e := range events {
		if e == "second" {
			switched = true
		} else if switched {
			t.Fatalf("first job reported after second started: %v", events)
		}
	}
	if !switched {
		t.Errorf("second job never ran")
	}
}

func TestStartRunsSourcesConcurrently(t *testing.T) {
	f := newFixture(t, Options{MaxParallel: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sched.Start(ctx)

	var jobs []*Job
	for _, id := range []string{"a", "b", "c", "d"} {
		jobs = append(jobs, f.schedule(t, f.request(id)))
	}

	waitCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	for _, j := range jobs {
		if err := j.Wait(waitCtx); err != nil {
			t.Fatalf("job %s: %v", j.SourceID(), err)
		}
		if st := f.store.Status(j.SourceID()); st.State != feature.StateReady {
			t.Errorf("%s status = %v", j.SourceID(), st)
		}
	}
	if err := f.sched.Pump(context.Background()); err == nil {
		t.Errorf("Pump after Start should fail")
	}
}

func TestGlobalObserver(t *testing.T) {
	f := newFixture(t, Options{})
	var last Progress
	f.sched.OnProgress(func(p Progress) { last = p })
	f.schedule(t, f.request("kick", "rms"))
	f.pump(t)

	if last.SourceID != "kick" || last.CalculatorID != "rms" || last.Overall != 1 {
		t.Errorf("last progress = %+v", last)
	}
	if last.Processed != last.Total {
		t.Errorf("final report %d/%d", last.Processed, last.Total)
	}
}
