// Package feature holds the data model shared by the analysis pipeline:
// feature tracks, per-source caches, cache status and consumer descriptors.
//
// A Cache is immutable once published. Writers build a new Cache (usually
// with Clone) and swap it in; tracks that did not change are shared by
// pointer between the old and the new cache.
package feature

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedFormat is returned for track formats this package does not know.
var ErrUnsupportedFormat = errors.New("unsupported track format")

// Format is the element encoding of a track buffer
type Format string

const (
	FormatFloat32 Format = "float32"
	FormatUint8   Format = "uint8"
	FormatInt16   Format = "int16"
	FormatMinMax  Format = "minmax" // parallel float32 min and max arrays
)

// ParseFormat validates a serialized format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatFloat32, FormatUint8, FormatInt16, FormatMinMax:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// ElementSize returns the size in bytes of one element of one array.
func (f Format) ElementSize() int {
	switch f {
	case FormatFloat32, FormatMinMax:
		return 4
	case FormatInt16:
		return 2
	case FormatUint8:
		return 1
	default:
		return 0
	}
}

// Track is one feature's time series for one source.
type Track struct {
	CalculatorID string
	Version      int
	FrameCount   int
	Channels     int
	Format       Format

	HopSeconds float64
	HopTicks   float64

	// Exactly one of these is populated, according to Format.
	Float32 []float32
	Uint8   []uint8
	Int16   []int16
	Min     []float32
	Max     []float32

	ChannelAliases    map[string]int
	AnalysisProfileID string
}

// Len is the number of elements each buffer must hold.
func (t *Track) Len() int {
	return t.FrameCount * t.Channels
}

// ByteSize is the storage used by the track buffers.
func (t *Track) ByteSize() int {
	n := t.Len() * t.Format.ElementSize()
	if t.Format == FormatMinMax {
		n *= 2
	}
	return n
}

// Validate checks the buffer length invariant.
func (t *Track) Validate() error {
	if t.FrameCount < 0 || t.Channels <= 0 {
		return fmt.Errorf("track %s: invalid shape %d x %d", t.CalculatorID, t.FrameCount, t.Channels)
	}
	if t.HopSeconds <= 0 {
		return fmt.Errorf("track %s: hop seconds must be positive", t.CalculatorID)
	}

	want := t.Len()
	var got int
	switch t.Format {
	case FormatFloat32:
		got = len(t.Float32)
	case FormatUint8:
		got = len(t.Uint8)
	case FormatInt16:
		got = len(t.Int16)
	case FormatMinMax:
		if len(t.Min) != len(t.Max) {
			return fmt.Errorf("track %s: min/max length mismatch %d != %d", t.CalculatorID, len(t.Min), len(t.Max))
		}
		got = len(t.Min)
	default:
		return fmt.Errorf("track %s: %w: %q", t.CalculatorID, ErrUnsupportedFormat, t.Format)
	}

	if got != want {
		return fmt.Errorf("track %s: buffer holds %d elements, want %d (%d frames x %d channels)",
			t.CalculatorID, got, want, t.FrameCount, t.Channels)
	}

	for alias, idx := range t.ChannelAliases {
		if idx < 0 || idx >= t.Channels {
			return fmt.Errorf("track %s: alias %q points at channel %d of %d", t.CalculatorID, alias, idx, t.Channels)
		}
	}
	return nil
}

// Value returns the element at (frame, channel). For minmax tracks it
// returns the midpoint of the extrema.
func (t *Track) Value(frame, channel int) float64 {
	i := frame*t.Channels + channel
	switch t.Format {
	case FormatFloat32:
		return float64(t.Float32[i])
	case FormatUint8:
		return float64(t.Uint8[i])
	case FormatInt16:
		return float64(t.Int16[i])
	case FormatMinMax:
		return (float64(t.Min[i]) + float64(t.Max[i])) / 2
	default:
		return 0
	}
}

// Extrema returns the (min, max) pair at (frame, channel). Non-minmax
// tracks report the plain value for both.
func (t *Track) Extrema(frame, channel int) (float64, float64) {
	if t.Format != FormatMinMax {
		v := t.Value(frame, channel)
		return v, v
	}
	i := frame*t.Channels + channel
	return float64(t.Min[i]), float64(t.Max[i])
}

// TempoProjection records where a cache sits on the musical timeline and
// which tempo map it was aligned against.
type TempoProjection struct {
	StartTick    float64 `json:"startTick"`
	TempoMapHash string  `json:"tempoMapHash"`
}

// AnalysisParams are the parameters an analysis pass ran with.
type AnalysisParams struct {
	SampleRate  int     `json:"sampleRate"`
	WindowSize  int     `json:"windowSize"`
	HopSize     int     `json:"hopSize"`
	FFTSize     int     `json:"fftSize"`
	MinDecibels float64 `json:"minDecibels"`
	MaxDecibels float64 `json:"maxDecibels"`
	Subdivision int     `json:"subdivision"`
}

// Cache is the per-source container of feature tracks.
type Cache struct {
	SourceID   string
	HopSeconds float64
	HopTicks   float64
	Tempo      TempoProjection
	FrameCount int

	Tracks         map[string]*Track
	ChannelAliases map[string]int

	Params    AnalysisParams
	Profiles  map[string]AnalysisParams
	InputHash string
}

// Track looks up a track by feature key.
func (c *Cache) Track(featureKey string) (*Track, bool) {
	if c == nil {
		return nil, false
	}
	t, ok := c.Tracks[featureKey]
	return t, ok
}

// FeatureKeys returns the keys of all tracks, sorted.
func (c *Cache) FeatureKeys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Tracks))
	for k := range c.Tracks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the cache maps. Track values are shared, not copied.
func (c *Cache) Clone() *Cache {
	if c == nil {
		return nil
	}
	out := *c
	out.Tracks = make(map[string]*Track, len(c.Tracks))
	for k, t := range c.Tracks {
		out.Tracks[k] = t
	}
	out.ChannelAliases = cloneAliases(c.ChannelAliases)
	if c.Profiles != nil {
		out.Profiles = make(map[string]AnalysisParams, len(c.Profiles))
		for k, p := range c.Profiles {
			out.Profiles[k] = p
		}
	}
	return &out
}

// Validate checks every track and the shared hop invariant: a track's hop
// must be the cache hop divided by a whole number of sub-hops.
func (c *Cache) Validate() error {
	if c.HopSeconds <= 0 {
		return fmt.Errorf("cache %s: hop seconds must be positive", c.SourceID)
	}
	for key, t := range c.Tracks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("cache %s: feature %s: %w", c.SourceID, key, err)
		}
		if _, err := Subdivision(c.HopSeconds, t.HopSeconds); err != nil {
			return fmt.Errorf("cache %s: feature %s: %w", c.SourceID, key, err)
		}
	}
	return nil
}

// Subdivision returns how many track hops fit in one cache hop.
func Subdivision(cacheHop, trackHop float64) (int, error) {
	if trackHop <= 0 {
		return 0, fmt.Errorf("track hop must be positive")
	}
	ratio := cacheHop / trackHop
	n := int(ratio + 0.5)
	if n < 1 || abs(ratio-float64(n)) > 1e-6*ratio {
		return 0, fmt.Errorf("track hop %.9fs does not divide cache hop %.9fs", trackHop, cacheHop)
	}
	return n, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func cloneAliases(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
