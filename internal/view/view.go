// Package view samples feature caches at musical positions.
//
// Sample and SampleRange never fail. When no value can be produced they
// return nil together with Diagnostics naming the fallback reason.
package view

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/store"
	"github.com/linuxmatters/featuretrack/internal/tempo"
)

// ErrTempoProjectionMismatch marks a cache aligned against a tempo map
// other than the live one. Sampling still proceeds through seconds.
var ErrTempoProjectionMismatch = errors.New("tempo projection mismatch")

// Fallback reasons reported in Diagnostics.
const (
	ReasonNoCache            = "no-cache"
	ReasonCacheFailed        = "cache-failed"
	ReasonCacheStale         = "cache-stale"
	ReasonCachePending       = "cache-pending"
	ReasonMissingFeature     = "missing-feature"
	ReasonCalculatorMismatch = "calculator-mismatch"
	ReasonChannelResolution  = "channel-resolution"
	ReasonEmptyTrack         = "empty-track"
	ReasonEmptyRange         = "empty-range"
	ReasonTickClamped        = "tick-clamped"
	ReasonTempoMismatch      = "tempo-mismatch"
)

// Diagnostics describes how a sample was produced.
type Diagnostics struct {
	SourceID   string
	FeatureKey string

	CacheHit      bool
	MapperLatency time.Duration
	Interpolation Interpolation

	// FallbackReason is empty for a clean hit. Several reasons are
	// joined with ", ".
	FallbackReason string
	TempoMismatch  bool
	Clamped        bool

	// Err carries ErrTempoProjectionMismatch or a wrapped
	// feature.ErrChannelResolution when either applies.
	Err error
}

func (d *Diagnostics) fallback(reason string) {
	if d.FallbackReason == "" {
		d.FallbackReason = reason
		return
	}
	if !strings.Contains(d.FallbackReason, reason) {
		d.FallbackReason += ", " + reason
	}
}

// Frame is one sampled position. Min and Max are set for minmax tracks.
type Frame struct {
	// Index is the fractional frame index that was sampled.
	Index float64
	Tick  float64

	Values []float64
	Min    []float64
	Max    []float64
}

// Adapter samples caches against the live tempo map.
type Adapter struct {
	live atomic.Pointer[tempo.Mapper]
}

// NewAdapter creates an adapter; live may be nil until a tempo map is known.
func NewAdapter(live *tempo.Mapper) *Adapter {
	a := &Adapter{}
	a.live.Store(live)
	return a
}

// SetTempo swaps the live tempo map.
func (a *Adapter) SetTempo(m *tempo.Mapper) { a.live.Store(m) }

// Tempo returns the live tempo map.
func (a *Adapter) Tempo() *tempo.Mapper { return a.live.Load() }

// target is everything needed to read one descriptor out of one cache.
type target struct {
	track *feature.Track
	sel   feature.Selection
	proj  projection
}

// Sample returns the descriptor's value at tick, or nil.
func (a *Adapter) Sample(e store.Entry, d feature.Descriptor, tick float64, mode Interpolation) (*Frame, Diagnostics) {
	diag := Diagnostics{FeatureKey: d.FeatureKey, Interpolation: mode}
	tg, ok := a.resolve(e, d, &diag)
	if !ok {
		return nil, diag
	}

	began := time.Now()
	idx := tg.proj.index(tick)
	diag.MapperLatency = time.Since(began)

	n := tg.track.FrameCount
	if idx < 0 || idx > float64(n-1) || math.IsNaN(idx) {
		diag.Clamped = true
		diag.fallback(ReasonTickClamped)
		idx = clampFloat(idx, 0, float64(n-1))
	}

	f := read(tg, mode, idx)
	f.Tick = tick
	diag.CacheHit = true
	return f, diag
}

// SampleRange returns every native frame whose position lies within
// [startTick, endTick], without upsampling. Ticks outside the recorded
// range are clamped to the first and last frame.
func (a *Adapter) SampleRange(e store.Entry, d feature.Descriptor, startTick, endTick float64) ([]Frame, Diagnostics) {
	diag := Diagnostics{FeatureKey: d.FeatureKey, Interpolation: Hold}
	if endTick < startTick || math.IsNaN(startTick) || math.IsNaN(endTick) {
		diag.fallback(ReasonEmptyRange)
		return nil, diag
	}
	tg, ok := a.resolve(e, d, &diag)
	if !ok {
		return nil, diag
	}

	began := time.Now()
	lo := tg.proj.index(startTick)
	hi := tg.proj.index(endTick)
	diag.MapperLatency = time.Since(began)

	n := tg.track.FrameCount
	lo = rangeIndex(lo, startTick, n)
	hi = rangeIndex(hi, endTick, n)
	first := int(math.Ceil(lo - indexEpsilon))
	last := int(math.Floor(hi + indexEpsilon))
	if first < 0 || last > n-1 {
		diag.Clamped = true
		diag.fallback(ReasonTickClamped)
	}
	first = clampIndex(first, n)
	last = clampIndex(last, n)
	if last < first {
		diag.fallback(ReasonEmptyRange)
		return nil, diag
	}

	frames := make([]Frame, 0, last-first+1)
	for i := first; i <= last; i++ {
		f := read(tg, Hold, float64(i))
		f.Tick = tg.proj.tick(float64(i))
		frames = append(frames, *f)
	}
	diag.CacheHit = true
	return frames, diag
}

// resolve runs the status, track and channel checks shared by Sample and
// SampleRange.
func (a *Adapter) resolve(e store.Entry, d feature.Descriptor, diag *Diagnostics) (target, bool) {
	c := e.Cache
	if c != nil {
		diag.SourceID = c.SourceID
	}

	// a pending job serves the cache it started from
	status := e.Status
	if status.State == feature.StatePending {
		diag.fallback(ReasonCachePending)
		status = e.Prior
	}

	if c == nil {
		switch status.State {
		case feature.StateFailed:
			diag.fallback(ReasonCacheFailed)
		default:
			diag.fallback(ReasonNoCache)
		}
		return target{}, false
	}
	if status.State == feature.StateFailed {
		diag.fallback(ReasonCacheFailed)
		return target{}, false
	}

	t, ok := c.Track(d.FeatureKey)
	if !ok {
		diag.fallback(ReasonMissingFeature)
		return target{}, false
	}
	if d.CalculatorID != "" && d.CalculatorID != t.CalculatorID {
		diag.fallback(ReasonCalculatorMismatch)
		return target{}, false
	}

	live := a.live.Load()
	mismatch := live != nil && c.Tempo.TempoMapHash != live.Hash()
	if status.State == feature.StateStale {
		if status.Reason == feature.ReasonTempoChanged {
			mismatch = true
		} else if status.CalculatorStale(t.CalculatorID) {
			diag.fallback(ReasonCacheStale)
			return target{}, false
		}
	}
	if mismatch {
		diag.TempoMismatch = true
		diag.Err = fmt.Errorf("%w: cache aligned to %s", ErrTempoProjectionMismatch, shortHash(c.Tempo.TempoMapHash))
		diag.fallback(ReasonTempoMismatch)
	}

	sel, err := feature.ResolveChannels(t, c, d)
	if err != nil {
		diag.Err = err
		diag.fallback(ReasonChannelResolution)
		return target{}, false
	}
	if t.FrameCount == 0 {
		diag.fallback(ReasonEmptyTrack)
		return target{}, false
	}

	return target{track: t, sel: sel, proj: newProjection(c, t, live, mismatch)}, true
}

func read(tg target, mode Interpolation, idx float64) *Frame {
	t, sel := tg.track, tg.sel
	n := t.FrameCount
	f := &Frame{Index: idx, Values: make([]float64, sel.Count)}
	if t.Format == feature.FormatMinMax {
		f.Min = make([]float64, sel.Count)
		f.Max = make([]float64, sel.Count)
	}

	for k := 0; k < sel.Count; k++ {
		ch := sel.Offset + k
		f.Values[k] = interpolate(mode, func(i int) float64 { return t.Value(i, ch) }, n, idx)
		if f.Min != nil {
			f.Min[k] = interpolate(mode, func(i int) float64 { return float64(t.Min[i*t.Channels+ch]) }, n, idx)
			f.Max[k] = interpolate(mode, func(i int) float64 { return float64(t.Max[i*t.Channels+ch]) }, n, idx)
		}
	}
	return f
}

// rangeIndex bounds a projected index to [-1, n] so it converts to int
// safely. An index lost to NaN takes the side of the tick it came from.
func rangeIndex(idx, tick float64, n int) float64 {
	if math.IsNaN(idx) {
		if tick > 0 {
			return float64(n)
		}
		return -1
	}
	return clampFloat(idx, -1, float64(n))
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "unknown tempo map"
	}
	return h
}
