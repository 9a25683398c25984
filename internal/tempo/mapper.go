// Package tempo projects musical ticks onto seconds and back over an
// ordered list of tempo segments.
package tempo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is how BPM evolves inside a segment
type Kind int

const (
	// Constant holds StartBPM for the whole segment.
	Constant Kind = iota
	// Stepped holds StartBPM and jumps to the next segment's tempo at the
	// boundary; EndBPM records the target of that step.
	Stepped
	// Ramp changes BPM linearly in ticks from StartBPM to EndBPM.
	Ramp
)

func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Stepped:
		return "stepped"
	case Ramp:
		return "ramp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Segment is a tick range [StartTick, EndTick) with one tempo law. The
// last segment may be open-ended with EndTick = +Inf.
type Segment struct {
	StartTick float64
	EndTick   float64
	StartBPM  float64
	EndBPM    float64
	Kind      Kind
}

func (s Segment) ramps() bool {
	return s.Kind == Ramp && s.EndBPM != s.StartBPM
}

// bpmAt returns the tempo dt ticks into the segment.
func (s Segment) bpmAt(dt float64) float64 {
	if !s.ramps() {
		return s.StartBPM
	}
	return s.StartBPM + (s.EndBPM-s.StartBPM)*dt/(s.EndTick-s.StartTick)
}

// exitBPM is the tempo in force at the end of the segment.
func (s Segment) exitBPM() float64 {
	if s.ramps() {
		return s.EndBPM
	}
	return s.StartBPM
}

// Mapper converts between ticks and seconds. It is immutable and safe for
// concurrent use.
type Mapper struct {
	ppq      float64
	segments []Segment
	starts   []float64 // seconds at each segment start
	end      float64   // seconds at the last segment's end
	hash     string
}

// NewMapper validates the segments and memoizes the cumulative seconds at
// each boundary. Segments must start at tick 0 and be contiguous.
func NewMapper(ppq int, segments []Segment) (*Mapper, error) {
	if ppq <= 0 {
		return nil, fmt.Errorf("ppq must be positive, got %d", ppq)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("tempo map needs at least one segment")
	}
	if segments[0].StartTick != 0 {
		return nil, fmt.Errorf("first tempo segment must start at tick 0, got %g", segments[0].StartTick)
	}

	m := &Mapper{
		ppq:      float64(ppq),
		segments: append([]Segment(nil), segments...),
		starts:   make([]float64, len(segments)),
	}

	var sec float64
	for i, s := range m.segments {
		if !(s.StartBPM > 0) || math.IsInf(s.StartBPM, 0) {
			return nil, fmt.Errorf("segment %d: start bpm must be positive, got %g", i, s.StartBPM)
		}
		if s.Kind == Ramp && (!(s.EndBPM > 0) || math.IsInf(s.EndBPM, 0)) {
			return nil, fmt.Errorf("segment %d: end bpm must be positive, got %g", i, s.EndBPM)
		}
		if !(s.EndTick > s.StartTick) {
			return nil, fmt.Errorf("segment %d: end tick %g must follow start tick %g", i, s.EndTick, s.StartTick)
		}
		last := i == len(m.segments)-1
		if math.IsInf(s.EndTick, 1) && (!last || s.ramps()) {
			return nil, fmt.Errorf("segment %d: only a trailing non-ramp segment may be open-ended", i)
		}
		if !last && m.segments[i+1].StartTick != s.EndTick {
			return nil, fmt.Errorf("segment %d ends at %g but segment %d starts at %g",
				i, s.EndTick, i+1, m.segments[i+1].StartTick)
		}

		m.starts[i] = sec
		sec += m.segmentSeconds(s, s.EndTick-s.StartTick)
	}
	m.end = sec
	m.hash = hashSegments(ppq, m.segments)
	return m, nil
}

// NewConstant returns a single open-ended segment at bpm.
func NewConstant(ppq int, bpm float64) (*Mapper, error) {
	return NewMapper(ppq, []Segment{{StartTick: 0, EndTick: math.Inf(1), StartBPM: bpm, EndBPM: bpm, Kind: Constant}})
}

// PPQ is the tick resolution per quarter note.
func (m *Mapper) PPQ() int { return int(m.ppq) }

// Segments returns a copy of the segment list.
func (m *Mapper) Segments() []Segment { return append([]Segment(nil), m.segments...) }

// Hash identifies the tempo map version.
func (m *Mapper) Hash() string { return m.hash }

// IsConstant reports whether the tempo never changes.
func (m *Mapper) IsConstant() bool {
	bpm := m.segments[0].StartBPM
	for _, s := range m.segments {
		if s.StartBPM != bpm || s.ramps() {
			return false
		}
	}
	return true
}

// BPMAt returns the tempo in force at tick.
func (m *Mapper) BPMAt(tick float64) float64 {
	if tick < 0 {
		return m.segments[0].StartBPM
	}
	i := m.segmentForTick(tick)
	s := m.segments[i]
	if tick >= s.EndTick {
		return s.exitBPM()
	}
	return s.bpmAt(tick - s.StartTick)
}

// TicksToSeconds projects a tick position onto seconds. Ticks before zero
// extrapolate at the first tempo, ticks past the map at the final tempo.
func (m *Mapper) TicksToSeconds(tick float64) float64 {
	if tick < 0 {
		return tick * 60 / (m.ppq * m.segments[0].StartBPM)
	}
	return m.ticksToSecondsIn(m.segmentForTick(tick), tick)
}

// SecondsToTicks is the inverse of TicksToSeconds.
func (m *Mapper) SecondsToTicks(sec float64) float64 {
	if sec < 0 {
		return sec * m.ppq * m.segments[0].StartBPM / 60
	}
	return m.secondsToTicksIn(m.segmentForSeconds(sec), sec)
}

// TicksToSecondsRange converts ticks into dst, reusing dst when it has the
// capacity. Ascending input is walked segment by segment without searching.
func (m *Mapper) TicksToSecondsRange(dst, ticks []float64) []float64 {
	dst = grow(dst, len(ticks))
	seg := 0
	prev := math.Inf(-1)
	for i, t := range ticks {
		if t < 0 {
			dst[i] = m.TicksToSeconds(t)
			continue
		}
		if t < prev {
			seg = m.segmentForTick(t)
		} else {
			for seg < len(m.segments)-1 && t >= m.segments[seg].EndTick {
				seg++
			}
		}
		prev = t
		dst[i] = m.ticksToSecondsIn(seg, t)
	}
	return dst
}

// SecondsToTicksRange converts seconds into dst, the inverse of
// TicksToSecondsRange.
func (m *Mapper) SecondsToTicksRange(dst, secs []float64) []float64 {
	dst = grow(dst, len(secs))
	seg := 0
	prev := math.Inf(-1)
	for i, s := range secs {
		if s < 0 {
			dst[i] = m.SecondsToTicks(s)
			continue
		}
		if s < prev {
			seg = m.segmentForSeconds(s)
		} else {
			for seg < len(m.segments)-1 && s >= m.starts[seg+1] {
				seg++
			}
		}
		prev = s
		dst[i] = m.secondsToTicksIn(seg, s)
	}
	return dst
}

// SpanTicks returns how many ticks a duration of seconds covers when it
// starts at startTick.
func (m *Mapper) SpanTicks(startTick, seconds float64) float64 {
	return m.SecondsToTicks(m.TicksToSeconds(startTick)+seconds) - startTick
}

func (m *Mapper) segmentForTick(tick float64) int {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].StartTick > tick })
	return max(i-1, 0)
}

func (m *Mapper) segmentForSeconds(sec float64) int {
	i := sort.Search(len(m.starts), func(i int) bool { return m.starts[i] > sec })
	return max(i-1, 0)
}

func (m *Mapper) ticksToSecondsIn(i int, tick float64) float64 {
	s := m.segments[i]
	if tick >= s.EndTick {
		// past the end of the final segment
		return m.end + (tick-s.EndTick)*60/(m.ppq*s.exitBPM())
	}
	return m.starts[i] + m.segmentSeconds(s, tick-s.StartTick)
}

func (m *Mapper) secondsToTicksIn(i int, sec float64) float64 {
	s := m.segments[i]
	if i == len(m.segments)-1 && !math.IsInf(s.EndTick, 1) && sec >= m.end {
		return s.EndTick + (sec-m.end)*m.ppq*s.exitBPM()/60
	}

	ds := sec - m.starts[i]
	if !s.ramps() {
		return s.StartTick + ds*m.ppq*s.StartBPM/60
	}
	length := s.EndTick - s.StartTick
	slope := (s.EndBPM - s.StartBPM) / length
	bpm := s.StartBPM * math.Exp(ds*m.ppq*slope/60)
	return s.StartTick + (bpm-s.StartBPM)/slope
}

// segmentSeconds integrates 60 / (ppq * bpm(x)) over the first dt ticks.
func (m *Mapper) segmentSeconds(s Segment, dt float64) float64 {
	if !s.ramps() {
		return dt * 60 / (m.ppq * s.StartBPM)
	}
	slope := (s.EndBPM - s.StartBPM) / (s.EndTick - s.StartTick)
	return 60 / (m.ppq * slope) * math.Log(s.bpmAt(dt)/s.StartBPM)
}

func hashSegments(ppq int, segments []Segment) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(ppq))
	for _, s := range segments {
		fmt.Fprintf(&b, "|%s:%s:%s:%s:%d",
			strconv.FormatFloat(s.StartTick, 'g', -1, 64),
			strconv.FormatFloat(s.EndTick, 'g', -1, 64),
			strconv.FormatFloat(s.StartBPM, 'g', -1, 64),
			strconv.FormatFloat(s.EndBPM, 'g', -1, 64),
			s.Kind)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func grow(dst []float64, n int) []float64 {
	if cap(dst) < n {
		return make([]float64, n)
	}
	return dst[:n]
}
