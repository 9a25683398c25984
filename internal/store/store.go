// Package store owns every source's feature cache and status.
//
// Each source has a slot holding an immutable Entry behind an atomic
// pointer. Readers load the pointer without locking and always see a fully
// formed cache; writers build a new Entry and swap it in.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/logging"
)

// ErrSuperseded is returned when a job's write no longer matches the
// source's in-flight job, e.g. because the source was cleared.
var ErrSuperseded = errors.New("job superseded")

// Entry is one source's cache and status at a point in time.
type Entry struct {
	Cache  *feature.Cache
	Status feature.Status

	// Prior is the status before the in-flight job, restored on cancel.
	Prior feature.Status
}

// Result is what an analysis job hands to the store.
type Result struct {
	Tracks         map[string]*feature.Track
	HopSeconds     float64
	HopTicks       float64
	FrameCount     int
	Tempo          feature.TempoProjection
	Params         feature.AnalysisParams
	ProfileID      string
	ChannelAliases map[string]int
	InputHash      string
}

// StatusFunc observes status changes.
type StatusFunc func(sourceID string, status feature.Status)

type slot struct {
	entry atomic.Pointer[Entry]
}

// Store is the feature cache store.
type Store struct {
	// mu guards the slot map and serializes writers
	mu    sync.RWMutex
	slots map[string]*slot

	minVersions map[string]int
	liveTempo   string

	watchers []StatusFunc
	logger   logging.Logger
}

// New creates an empty store.
func New(logger logging.Logger) *Store {
	return &Store{
		slots:       make(map[string]*slot),
		minVersions: make(map[string]int),
		logger:      logging.OrNoOp(logger).WithFields(logging.Fields{"component": "store"}),
	}
}

// OnStatus registers an observer called after every status change.
func (s *Store) OnStatus(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Bind creates an Idle entry for sourceID if none exists.
func (s *Store) Bind(sourceID string) Entry {
	s.mu.Lock()
	sl := s.bindLocked(sourceID)
	s.mu.Unlock()
	return *sl.entry.Load()
}

func (s *Store) bindLocked(sourceID string) *slot {
	sl, ok := s.slots[sourceID]
	if !ok {
		sl = newSlot()
		s.slots[sourceID] = sl
	}
	return sl
}

func newSlot() *slot {
	sl := &slot{}
	sl.entry.Store(&Entry{Status: feature.Idle()})
	return sl
}

// Snapshot returns the current entry for sourceID.
func (s *Store) Snapshot(sourceID string) (Entry, bool) {
	s.mu.RLock()
	sl, ok := s.slots[sourceID]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return *sl.entry.Load(), true
}

// Cache returns the current cache, or nil.
func (s *Store) Cache(sourceID string) *feature.Cache {
	e, _ := s.Snapshot(sourceID)
	return e.Cache
}

// Status returns the current status; unbound sources are Idle.
func (s *Store) Status(sourceID string) feature.Status {
	e, ok := s.Snapshot(sourceID)
	if !ok {
		return feature.Idle()
	}
	return e.Status
}

// Sources lists bound source ids, sorted.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// update applies fn to the entry under the writer lock and swaps in the
// result. fn returns nil to leave the entry unchanged. With bind, an
// unbound source is offered an Idle entry and only gains a slot when fn
// changes it.
func (s *Store) update(sourceID string, bind bool, fn func(cur *Entry) *Entry) (*Entry, bool) {
	s.mu.Lock()
	sl, ok := s.slots[sourceID]
	fresh := false
	if !ok && bind {
		sl, ok, fresh = newSlot(), true, true
	}
	if !ok {
		s.mu.Unlock()
		return nil, false
	}

	cur := sl.entry.Load()
	next := fn(cur)
	if next == nil {
		s.mu.Unlock()
		return cur, false
	}
	sl.entry.Store(next)
	if fresh {
		s.slots[sourceID] = sl
	}
	watchers := s.watchers
	s.mu.Unlock()

	if !statusEqual(cur.Status, next.Status) {
		for _, w := range watchers {
			w(sourceID, next.Status)
		}
	}
	return next, true
}

// MarkPending records jobID as in flight and returns the prior status.
// It reports false, leaving the store untouched, once ctx is done: a job
// cancelled by Clear must not bring the cleared source back.
func (s *Store) MarkPending(ctx context.Context, sourceID, jobID string) (feature.Status, bool) {
	var prior feature.Status
	_, ok := s.update(sourceID, true, func(cur *Entry) *Entry {
		if ctx.Err() != nil {
			return nil
		}
		prior = cur.Status
		return &Entry{Cache: cur.Cache, Status: feature.Pending(jobID), Prior: cur.Status}
	})
	return prior, ok
}

// Progress updates the progress ratio of the in-flight job.
func (s *Store) Progress(sourceID, jobID string, ratio float64) {
	s.update(sourceID, false, func(cur *Entry) *Entry {
		if !cur.pendingFor(jobID) {
			return nil
		}
		return &Entry{Cache: cur.Cache, Status: cur.Status.WithProgress(ratio), Prior: cur.Prior}
	})
}

// RestoreStatus puts back the status from before jobID started. It does
// nothing if jobID is no longer the in-flight job.
func (s *Store) RestoreStatus(sourceID, jobID string) bool {
	_, ok := s.update(sourceID, false, func(cur *Entry) *Entry {
		if !cur.pendingFor(jobID) {
			return nil
		}
		return &Entry{Cache: cur.Cache, Status: cur.Prior}
	})
	return ok
}

// Ingest merges a job's tracks into the cache and marks it Ready, or Stale
// when an upgrade or tempo change overtook the job. Tracks from
// calculators that did not run are kept.
func (s *Store) Ingest(sourceID, jobID string, r *Result) error {
	var ingestErr error
	_, ok := s.update(sourceID, false, func(cur *Entry) *Entry {
		if !cur.pendingFor(jobID) {
			ingestErr = ErrSuperseded
			return nil
		}
		next, err := s.merge(sourceID, cur.Cache, r)
		if err != nil {
			ingestErr = err
			return nil
		}
		return &Entry{Cache: next, Status: s.derive(next)}
	})
	if !ok && ingestErr == nil {
		ingestErr = ErrSuperseded
	}
	if ingestErr != nil {
		return ingestErr
	}

	s.logger.Debug("cache updated", logging.Fields{"source_id": sourceID, "job_id": jobID, "tracks": len(r.Tracks)})
	return nil
}

// Fail marks the source Failed. partial, if not nil, is merged first; the
// scheduler passes it only for merge jobs.
func (s *Store) Fail(sourceID, jobID string, calculatorID string, cause error, partial *Result) error {
	var failErr error
	_, ok := s.update(sourceID, false, func(cur *Entry) *Entry {
		if !cur.pendingFor(jobID) {
			failErr = ErrSuperseded
			return nil
		}
		cache := cur.Cache
		if partial != nil && len(partial.Tracks) > 0 {
			next, err := s.merge(sourceID, cur.Cache, partial)
			if err != nil {
				s.logger.Warn("discarding partial merge", logging.Fields{"source_id": sourceID, "reason": err.Error()})
			} else {
				cache = next
			}
		}
		return &Entry{Cache: cache, Status: feature.Failed(calculatorID, cause.Error())}
	})
	if !ok && failErr == nil {
		failErr = ErrSuperseded
	}
	return failErr
}

// InvalidateByCalculator marks Stale every cache holding a track from id
// with a version below minVersion, and remembers minVersion for later
// ingests. It returns the affected sources.
func (s *Store) InvalidateByCalculator(id string, minVersion int) []string {
	s.mu.Lock()
	if minVersion > s.minVersions[id] {
		s.minVersions[id] = minVersion
	}
	ids := make([]string, 0, len(s.slots))
	for sourceID := range s.slots {
		ids = append(ids, sourceID)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var affected []string
	for _, sourceID := range ids {
		_, changed := s.update(sourceID, false, func(cur *Entry) *Entry {
			if !hasOutdated(cur.Cache, id, minVersion) {
				return nil
			}
			if cur.Status.State == feature.StatePending {
				return &Entry{Cache: cur.Cache, Status: cur.Status, Prior: staleUpgraded(cur.Prior, id)}
			}
			if cur.Status.State == feature.StateIdle {
				return nil
			}
			return &Entry{Cache: cur.Cache, Status: staleUpgraded(cur.Status, id)}
		})
		if changed {
			affected = append(affected, sourceID)
		}
	}

	if len(affected) > 0 {
		s.logger.Info("caches invalidated by calculator upgrade", logging.Fields{
			"calculator_id": id, "min_version": minVersion, "sources": len(affected),
		})
	}
	return affected
}

// SetLiveTempo records the live tempo map hash and invalidates every cache
// aligned to a different one. It returns the affected sources.
func (s *Store) SetLiveTempo(hash string) []string {
	s.mu.Lock()
	s.liveTempo = hash
	ids := make([]string, 0, len(s.slots))
	for sourceID := range s.slots {
		ids = append(ids, sourceID)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var affected []string
	for _, sourceID := range ids {
		if s.InvalidateByTempoChange(sourceID) {
			affected = append(affected, sourceID)
		}
	}
	return affected
}

// LiveTempo returns the hash recorded by SetLiveTempo.
func (s *Store) LiveTempo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveTempo
}

// InvalidateByTempoChange marks the source Stale if its cache was aligned
// to a tempo map other than the live one.
func (s *Store) InvalidateByTempoChange(sourceID string) bool {
	_, changed := s.update(sourceID, false, func(cur *Entry) *Entry {
		if cur.Cache == nil || s.liveTempo == "" || cur.Cache.Tempo.TempoMapHash == s.liveTempo {
			return nil
		}
		stale := feature.Stale(feature.ReasonTempoChanged)
		switch cur.Status.State {
		case feature.StatePending:
			return &Entry{Cache: cur.Cache, Status: cur.Status, Prior: stale}
		case feature.StateReady, feature.StateFailed:
			return &Entry{Cache: cur.Cache, Status: stale}
		case feature.StateStale:
			if cur.Status.Reason == feature.ReasonTempoChanged {
				return nil
			}
			return &Entry{Cache: cur.Cache, Status: stale}
		default:
			return nil
		}
	})
	return changed
}

// MarkStale flags a cache as outdated on request.
func (s *Store) MarkStale(sourceID string, reason feature.Reason) error {
	if _, ok := s.Snapshot(sourceID); !ok {
		return fmt.Errorf("source %s is not bound", sourceID)
	}
	var err error
	s.update(sourceID, false, func(cur *Entry) *Entry {
		if cur.Cache == nil {
			err = fmt.Errorf("source %s has no cache to mark stale", sourceID)
			return nil
		}
		if cur.Status.State == feature.StatePending {
			err = fmt.Errorf("source %s has a job in flight", sourceID)
			return nil
		}
		return &Entry{Cache: cur.Cache, Status: feature.Stale(reason)}
	})
	return err
}

// Restore installs a previously persisted cache, e.g. from an archive. The
// status is derived from the current calculator versions and tempo map.
func (s *Store) Restore(c *feature.Cache) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var restoreErr error
	s.update(c.SourceID, true, func(cur *Entry) *Entry {
		if cur.Status.State == feature.StatePending {
			restoreErr = fmt.Errorf("source %s has a job in flight", c.SourceID)
			return nil
		}
		return &Entry{Cache: c, Status: s.derive(c)}
	})
	return restoreErr
}

// Clear drops the source's cache and status entirely.
func (s *Store) Clear(sourceID string) bool {
	s.mu.Lock()
	_, ok := s.slots[sourceID]
	delete(s.slots, sourceID)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("cache cleared", logging.Fields{"source_id": sourceID})
	}
	return ok
}

// InputChanged reports whether hash differs from the input hash recorded
// by the last ingest.
func (s *Store) InputChanged(sourceID, hash string) bool {
	c := s.Cache(sourceID)
	return c != nil && c.InputHash != hash
}

func (e *Entry) pendingFor(jobID string) bool {
	return e.Status.State == feature.StatePending && e.Status.JobID == jobID
}

// merge builds the next cache from cur and r. Called with s.mu held.
func (s *Store) merge(sourceID string, cur *feature.Cache, r *Result) (*feature.Cache, error) {
	var next *feature.Cache
	if cur != nil {
		next = cur.Clone()
	} else {
		next = &feature.Cache{SourceID: sourceID, Tracks: make(map[string]*feature.Track)}
	}

	next.HopSeconds = r.HopSeconds
	next.HopTicks = r.HopTicks
	next.FrameCount = r.FrameCount
	next.Tempo = r.Tempo
	next.Params = r.Params
	next.InputHash = r.InputHash
	if r.ChannelAliases != nil {
		next.ChannelAliases = r.ChannelAliases
	}
	if r.ProfileID != "" {
		if next.Profiles == nil {
			next.Profiles = make(map[string]feature.AnalysisParams)
		}
		next.Profiles[r.ProfileID] = r.Params
	}

	// kept tracks follow the refreshed hop; incompatible ones are dropped
	for key, t := range next.Tracks {
		if _, ok := r.Tracks[key]; ok {
			continue
		}
		sub, err := feature.Subdivision(next.HopSeconds, t.HopSeconds)
		if err != nil {
			s.logger.Warn("dropping track with incompatible hop", logging.Fields{"source_id": sourceID, "feature": key})
			delete(next.Tracks, key)
			continue
		}
		if want := next.HopTicks / float64(sub); t.HopTicks != want {
			moved := *t
			moved.HopTicks = want
			next.Tracks[key] = &moved
		}
	}
	for key, t := range r.Tracks {
		next.Tracks[key] = t
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// derive computes the settled status of a freshly written cache. Called
// with s.mu held.
func (s *Store) derive(c *feature.Cache) feature.Status {
	var outdated []string
	for _, key := range c.FeatureKeys() {
		t := c.Tracks[key]
		if t.Version < s.minVersions[t.CalculatorID] && !slices.Contains(outdated, t.CalculatorID) {
			outdated = append(outdated, t.CalculatorID)
		}
	}
	if len(outdated) > 0 {
		return feature.Stale(feature.ReasonCalculatorUpgraded, outdated...)
	}
	if s.liveTempo != "" && c.Tempo.TempoMapHash != s.liveTempo {
		return feature.Stale(feature.ReasonTempoChanged)
	}
	return feature.Ready()
}

func hasOutdated(c *feature.Cache, id string, minVersion int) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Tracks {
		if t.CalculatorID == id && t.Version < minVersion {
			return true
		}
	}
	return false
}

// staleUpgraded adds id to an upgrade staleness. Tempo and manual
// staleness already cover every calculator and are kept as they are.
func staleUpgraded(cur feature.Status, id string) feature.Status {
	if cur.State == feature.StateStale {
		if cur.Reason != feature.ReasonCalculatorUpgraded {
			return cur
		}
		if slices.Contains(cur.StaleCalculators, id) {
			return cur
		}
		calcs := append(slices.Clone(cur.StaleCalculators), id)
		return feature.Stale(feature.ReasonCalculatorUpgraded, calcs...)
	}
	return feature.Stale(feature.ReasonCalculatorUpgraded, id)
}

func statusEqual(a, b feature.Status) bool {
	return a.State == b.State && a.Reason == b.Reason && a.JobID == b.JobID &&
		a.Progress == b.Progress && a.Message == b.Message &&
		slices.Equal(a.StaleCalculators, b.StaleCalculators)
}
