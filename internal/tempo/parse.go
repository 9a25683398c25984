package tempo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseMap builds a mapper from a compact description such as
//
//	0=120,3840=120..140,7680=90!
//
// Each entry starts a segment at a tick. "bpm" holds a constant tempo,
// "a..b" ramps from a to b by the next entry's tick and a trailing "!"
// marks a stepped segment. The last segment is open-ended. An empty
// string yields a constant map at fallbackBPM.
func ParseMap(ppq int, s string, fallbackBPM float64) (*Mapper, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NewConstant(ppq, fallbackBPM)
	}

	entries := strings.Split(s, ",")
	segments := make([]Segment, 0, len(entries))
	for i, entry := range entries {
		tickStr, bpmStr, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("tempo entry %d %q: want tick=bpm", i, entry)
		}
		tick, err := strconv.ParseFloat(strings.TrimSpace(tickStr), 64)
		if err != nil {
			return nil, fmt.Errorf("tempo entry %d: invalid tick %q", i, tickStr)
		}

		seg := Segment{StartTick: tick, EndTick: math.Inf(1), Kind: Constant}
		bpmStr = strings.TrimSpace(bpmStr)
		if rest, stepped := strings.CutSuffix(bpmStr, "!"); stepped {
			seg.Kind = Stepped
			bpmStr = rest
		}
		if from, to, ramp := strings.Cut(bpmStr, ".."); ramp {
			if seg.Kind == Stepped {
				return nil, fmt.Errorf("tempo entry %d: a segment cannot both ramp and step", i)
			}
			seg.Kind = Ramp
			if seg.StartBPM, err = strconv.ParseFloat(from, 64); err != nil {
				return nil, fmt.Errorf("tempo entry %d: invalid bpm %q", i, from)
			}
			if seg.EndBPM, err = strconv.ParseFloat(to, 64); err != nil {
				return nil, fmt.Errorf("tempo entry %d: invalid bpm %q", i, to)
			}
		} else {
			if seg.StartBPM, err = strconv.ParseFloat(bpmStr, 64); err != nil {
				return nil, fmt.Errorf("tempo entry %d: invalid bpm %q", i, bpmStr)
			}
			seg.EndBPM = seg.StartBPM
		}

		if n := len(segments); n > 0 {
			segments[n-1].EndTick = tick
			if segments[n-1].Kind == Stepped {
				segments[n-1].EndBPM = seg.StartBPM
			}
		}
		segments = append(segments, seg)
	}

	return NewMapper(ppq, segments)
}

// String renders the map in the ParseMap syntax.
func (m *Mapper) String() string {
	parts := make([]string, len(m.segments))
	for i, s := range m.segments {
		tick := strconv.FormatFloat(s.StartTick, 'g', -1, 64)
		bpm := strconv.FormatFloat(s.StartBPM, 'g', -1, 64)
		switch s.Kind {
		case Ramp:
			parts[i] = tick + "=" + bpm + ".." + strconv.FormatFloat(s.EndBPM, 'g', -1, 64)
		case Stepped:
			parts[i] = tick + "=" + bpm + "!"
		default:
			parts[i] = tick + "=" + bpm
		}
	}
	return strings.Join(parts, ",")
}
