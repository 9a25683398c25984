package view

import (
	"fmt"
	"math"
	"strings"
)

// Interpolation selects how values between two frames are computed.
type Interpolation int

const (
	Linear Interpolation = iota
	Hold
	Spline
)

func (m Interpolation) String() string {
	switch m {
	case Hold:
		return "hold"
	case Linear:
		return "linear"
	case Spline:
		return "spline"
	default:
		return fmt.Sprintf("interpolation(%d)", int(m))
	}
}

// ParseInterpolation accepts "hold", "linear" or "spline". The empty
// string selects Linear.
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return Linear, nil
	case "hold", "nearest":
		return Hold, nil
	case "spline", "catmull-rom":
		return Spline, nil
	default:
		return Linear, fmt.Errorf("unknown interpolation %q (want hold, linear or spline)", s)
	}
}

// interpolate evaluates at at fractional index idx over n frames. idx must
// already be clamped to [0, n-1]. Neighbours past either end repeat the
// nearest available frame.
func interpolate(m Interpolation, at func(i int) float64, n int, idx float64) float64 {
	switch m {
	case Hold:
		return at(clampIndex(int(math.Round(idx)), n))
	case Spline:
		i := int(math.Floor(idx))
		t := idx - float64(i)
		y0 := at(clampIndex(i-1, n))
		y1 := at(clampIndex(i, n))
		y2 := at(clampIndex(i+1, n))
		y3 := at(clampIndex(i+2, n))
		return catmullRom(y0, y1, y2, y3, t)
	default:
		i := int(math.Floor(idx))
		t := idx - float64(i)
		a := at(clampIndex(i, n))
		if t == 0 {
			return a
		}
		b := at(clampIndex(i+1, n))
		return a + (b-a)*t
	}
}

func catmullRom(y0, y1, y2, y3, t float64) float64 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	return ((a0*t+a1)*t+a2)*t + y1
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
