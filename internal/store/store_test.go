package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/linuxmatters/featuretrack/internal/feature"
)

func track(id string, version int, frames int, hop float64) *feature.Track {
	return &feature.Track{
		CalculatorID: id,
		Version:      version,
		FrameCount:   frames,
		Channels:     1,
		Format:       feature.FormatFloat32,
		HopSeconds:   hop,
		HopTicks:     hop * 1920,
		Float32:      make([]float32, frames),
	}
}

func result(tempoHash string, tracks ...*feature.Track) *Result {
	r := &Result{
		Tracks:     make(map[string]*feature.Track),
		HopSeconds: 0.01,
		HopTicks:   19.2,
		FrameCount: 4,
		Tempo:      feature.TempoProjection{TempoMapHash: tempoHash},
		InputHash:  "in-1",
		ProfileID:  "default",
	}
	for _, t := range tracks {
		r.Tracks[t.CalculatorID] = t
	}
	return r
}

func ingest(t *testing.T, s *Store, sourceID, jobID string, r *Result) {
	t.Helper()
	s.MarkPending(context.Background(), sourceID, jobID)
	if err := s.Ingest(sourceID, jobID, r); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
}

func TestBindAndLifecycle(t *testing.T) {
	s := New(nil)
	s.SetLiveTempo("tempo-a")

	if e := s.Bind("kick"); e.Status.State != feature.StateIdle || e.Cache != nil {
		t.Fatalf("new binding = %+v, want Idle without cache", e)
	}

	prior, ok := s.MarkPending(context.Background(), "kick", "job-1")
	if !ok || prior.State != feature.StateIdle {
		t.Errorf("prior = %v (%v), want idle", prior, ok)
	}
	s.Progress("kick", "job-1", 0.5)
	if st := s.Status("kick"); st.State != feature.StatePending || st.Progress != 0.5 {
		t.Errorf("status = %v, want pending at 50%%", st)
	}

	if err := s.Ingest("kick", "job-1", result("tempo-a", track("rms", 1, 4, 0.01))); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	e, _ := s.Snapshot("kick")
	if e.Status.State != feature.StateReady {
		t.Errorf("status after ingest = %v, want ready", e.Status)
	}
	if e.Cache.InputHash != "in-1" || e.Cache.Profiles["default"] != e.Cache.Params {
		t.Errorf("ingest did not record input hash / profile")
	}
	if s.InputChanged("kick", "in-1") || !s.InputChanged("kick", "in-2") {
		t.Errorf("InputChanged misreports drift")
	}
}

// TestMergeKeepsUntouchedTracks covers the reanalyze contract: tracks from
// calculators that did not run keep their exact pointer.
func TestMergeKeepsUntouchedTracks(t *testing.T) {
	s := New(nil)
	spectro := track("spectrogram", 1, 4, 0.01)
	ingest(t, s, "kick", "job-1", result("", spectro, track("rms", 1, 4, 0.01)))

	fresh := track("rms", 1, 4, 0.01)
	ingest(t, s, "kick", "job-2", result("", fresh))

	c := s.Cache("kick")
	if c.Tracks["spectrogram"] != spectro {
		t.Errorf("spectrogram track was replaced by an rms-only merge")
	}
	if c.Tracks["rms"] != fresh {
		t.Errorf("rms track not refreshed")
	}
}

func TestMergeReprojectsKeptTracks(t *testing.T) {
	s := New(nil)
	wave := track("waveform", 1, 32, 0.00125)
	ingest(t, s, "kick", "job-1", result("a", wave))

	r := result("b", track("rms", 1, 4, 0.01))
	r.HopTicks = 24
	ingest(t, s, "kick", "job-2", r)

	got := s.Cache("kick").Tracks["waveform"]
	if got.HopTicks != 3 {
		t.Errorf("kept waveform HopTicks = %v, want 24/8", got.HopTicks)
	}
	if got == wave || wave.HopTicks == 3 {
		t.Errorf("original track was mutated")
	}
}

// TestRestoreStatusAfterCancel ensures a cancelled job leaves the previous
// status and cache in place.
func TestRestoreStatusAfterCancel(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	before := s.Cache("kick")

	s.MarkPending(context.Background(), "kick", "job-2")
	s.Progress("kick", "job-2", 0.1)
	if !s.RestoreStatus("kick", "job-2") {
		t.Fatalf("RestoreStatus refused the in-flight job")
	}

	e, _ := s.Snapshot("kick")
	if e.Status.State != feature.StateReady {
		t.Errorf("status = %v, want ready", e.Status)
	}
	if e.Cache != before {
		t.Errorf("cache pointer changed across a cancelled job")
	}
	if s.RestoreStatus("kick", "job-2") {
		t.Errorf("second restore should be a no-op")
	}
}

func TestIngestSupersededJob(t *testing.T) {
	s := New(nil)
	s.MarkPending(context.Background(), "kick", "job-1")
	s.MarkPending(context.Background(), "kick", "job-2")

	err := s.Ingest("kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("Ingest(old job) = %v, want ErrSuperseded", err)
	}

	s.Clear("kick")
	err = s.Ingest("kick", "job-2", result("", track("rms", 1, 4, 0.01)))
	if !errors.Is(err, ErrSuperseded) {
		t.Errorf("Ingest after clear = %v, want ErrSuperseded", err)
	}
	if _, ok := s.Snapshot("kick"); ok {
		t.Errorf("ingest after clear re-created the entry")
	}
}

func TestFailKeepsPriorCache(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	before := s.Cache("kick")

	s.MarkPending(context.Background(), "kick", "job-2")
	if err := s.Fail("kick", "job-2", "spectrogram", errors.New("boom"), nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	e, _ := s.Snapshot("kick")
	if e.Status.State != feature.StateFailed || e.Status.CalculatorID != "spectrogram" || e.Status.Message != "boom" {
		t.Errorf("status = %+v", e.Status)
	}
	if e.Cache != before {
		t.Errorf("failed job touched the cache")
	}
}

func TestFailMergesPartialResult(t *testing.T) {
	s := New(nil)
	s.MarkPending(context.Background(), "kick", "job-1")
	partial := result("", track("rms", 1, 4, 0.01))
	if err := s.Fail("kick", "job-1", "waveform", errors.New("boom"), partial); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, ok := s.Cache("kick").Track("rms"); !ok {
		t.Errorf("partial merge result missing")
	}
}

// TestInvalidateByCalculator checks that an upgrade marks only caches with
// outdated tracks Stale, and that a later ingest of an old version stays
// Stale instead of claiming Ready.
func TestInvalidateByCalculator(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	ingest(t, s, "snare", "job-2", result("", track("spectrogram", 1, 4, 0.01)))
	s.Bind("hat")

	affected := s.InvalidateByCalculator("rms", 2)
	if len(affected) != 1 || affected[0] != "kick" {
		t.Fatalf("affected = %v, want [kick]", affected)
	}
	st := s.Status("kick")
	if st.State != feature.StateStale || st.Reason != feature.ReasonCalculatorUpgraded || !st.CalculatorStale("rms") {
		t.Errorf("kick status = %v", st)
	}
	if s.Status("snare").State != feature.StateReady || s.Status("hat").State != feature.StateIdle {
		t.Errorf("unrelated sources changed")
	}

	ingest(t, s, "snare", "job-3", result("", track("rms", 1, 4, 0.01)))
	if st := s.Status("snare"); st.State != feature.StateStale {
		t.Errorf("ingesting an outdated version = %v, want stale", st)
	}

	ingest(t, s, "kick", "job-4", result("", track("rms", 2, 4, 0.01)))
	if st := s.Status("kick"); st.State != feature.StateReady {
		t.Errorf("after upgrade reanalysis = %v, want ready", st)
	}
}

func TestInvalidateDuringPendingUpdatesPrior(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	s.MarkPending(context.Background(), "kick", "job-2")

	s.InvalidateByCalculator("rms", 2)
	if s.Status("kick").State != feature.StatePending {
		t.Fatalf("pending status overwritten")
	}
	s.RestoreStatus("kick", "job-2")
	if st := s.Status("kick"); st.State != feature.StateStale {
		t.Errorf("restored status = %v, want stale", st)
	}
}

func TestTempoChange(t *testing.T) {
	s := New(nil)
	s.SetLiveTempo("a")
	ingest(t, s, "kick", "job-1", result("a", track("rms", 1, 4, 0.01)))
	ingest(t, s, "snare", "job-2", result("a", track("rms", 1, 4, 0.01)))

	affected := s.SetLiveTempo("b")
	if len(affected) != 2 {
		t.Fatalf("affected = %v, want both sources", affected)
	}
	if st := s.Status("kick"); st.Reason != feature.ReasonTempoChanged {
		t.Errorf("status = %v, want tempo-changed", st)
	}

	// a later upgrade does not narrow tempo staleness
	s.InvalidateByCalculator("rms", 2)
	if st := s.Status("kick"); st.Reason != feature.ReasonTempoChanged {
		t.Errorf("status = %v, want tempo-changed kept", st)
	}

	if got := s.SetLiveTempo("a"); len(got) != 0 {
		t.Errorf("reverting the map should not restale: %v", got)
	}
}

func TestMarkStaleAndRestore(t *testing.T) {
	s := New(nil)
	if err := s.MarkStale("kick", feature.ReasonManual); err == nil {
		t.Errorf("MarkStale on unbound source should fail")
	}
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))
	if err := s.MarkStale("kick", feature.ReasonManual); err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if st := s.Status("kick"); st.Reason != feature.ReasonManual {
		t.Errorf("status = %v", st)
	}

	c := s.Cache("kick").Clone()
	c.SourceID = "copy"
	if err := s.Restore(c); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if st := s.Status("copy"); st.State != feature.StateReady {
		t.Errorf("restored status = %v", st)
	}
}

func TestStatusWatchers(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	var states []feature.State
	s.OnStatus(func(sourceID string, st feature.Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st.State)
	})

	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != feature.StatePending || states[1] != feature.StateReady {
		t.Errorf("observed %v, want [pending ready]", states)
	}
}

// TestConcurrentReaders loads snapshots while a writer swaps caches; every
// snapshot must be internally consistent.
func TestConcurrentReaders(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-0", result("", track("rms", 1, 4, 0.01)))

	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				c := s.Cache("kick")
				if c == nil {
					continue
				}
				if err := c.Validate(); err != nil {
					t.Errorf("reader saw invalid cache: %v", err)
					return
				}
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		frames := 4 + i%3
		r := result("", track("rms", 1, frames, 0.01))
		r.FrameCount = frames
		jobID := "job-" + string(rune('a'+i%26))
		s.MarkPending(context.Background(), "kick", jobID)
		if err := s.Ingest("kick", jobID, r); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}

// TestMarkPendingAfterClear covers a job cancelled by Clear racing its own
// start: the late MarkPending must not recreate the cleared source.
func TestMarkPendingAfterClear(t *testing.T) {
	s := New(nil)
	ingest(t, s, "kick", "job-1", result("", track("rms", 1, 4, 0.01)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Clear("kick")

	if _, ok := s.MarkPending(ctx, "kick", "job-2"); ok {
		t.Errorf("MarkPending succeeded for a cancelled job")
	}
	if _, ok := s.Snapshot("kick"); ok {
		t.Errorf("cleared source was recreated")
	}
	if got := s.Sources(); len(got) != 0 {
		t.Errorf("Sources() = %v, want none", got)
	}

	// a bound source keeps its state too
	ingest(t, s, "snare", "job-3", result("", track("rms", 1, 4, 0.01)))
	if _, ok := s.MarkPending(ctx, "snare", "job-4"); ok {
		t.Errorf("MarkPending succeeded for a cancelled job")
	}
	if st := s.Status("snare"); st.State != feature.StateReady {
		t.Errorf("status = %v, want ready", st)
	}
}
