package calc

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/feature"
)

// RMS computes the loudness envelope of the mono mix, one value per hop.
type RMS struct {
	version int
}

// NewRMS returns the built-in RMS calculator.
func NewRMS() *RMS { return &RMS{version: 1} }

func (r *RMS) ID() string         { return config.RMSID }
func (r *RMS) Version() int       { return r.version }
func (r *RMS) FeatureKey() string { return config.RMSID }

// WithVersion returns a copy reporting a different version.
func (r *RMS) WithVersion(v int) *RMS { return &RMS{version: v} }

func (r *RMS) Begin(cc *Context) (Task, error) {
	hop := cc.Params.HopSize
	total := cc.FrameCount()
	out := make([]float32, total)
	mix := make([]float64, hop)

	compute := func(i int) error {
		n := cc.Audio.MixInto(mix, i*hop)
		if n == 0 {
			return nil
		}
		block := mix[:n]
		out[i] = float32(math.Sqrt(floats.Dot(block, block) / float64(n)))
		return nil
	}

	finish := func() (*feature.Track, error) {
		return &feature.Track{
			CalculatorID: r.ID(),
			Version:      r.version,
			FrameCount:   total,
			Channels:     1,
			Format:       feature.FormatFloat32,
			HopSeconds:   cc.HopSeconds(),
			HopTicks:     cc.HopTicks,
			Float32:      out,
		}, nil
	}

	return NewFrameTask(total, compute, finish), nil
}
