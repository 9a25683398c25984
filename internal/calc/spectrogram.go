package calc

import (
	"math"

	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/feature"
)

// Spectrogram computes Hann-windowed FFT magnitudes in decibels, one channel
// per frequency bin.
type Spectrogram struct {
	version int
}

// NewSpectrogram returns the built-in spectrogram calculator.
func NewSpectrogram() *Spectrogram { return &Spectrogram{version: 1} }

func (s *Spectrogram) ID() string         { return config.SpectrogramID }
func (s *Spectrogram) Version() int       { return s.version }
func (s *Spectrogram) FeatureKey() string { return config.SpectrogramID }

// WithVersion returns a copy reporting a different version.
func (s *Spectrogram) WithVersion(v int) *Spectrogram { return &Spectrogram{version: v} }

func (s *Spectrogram) Begin(cc *Context) (Task, error) {
	p := cc.Params
	plan, err := cc.Plans.Get(p.WindowSize, p.FFTSize)
	if err != nil {
		return nil, err
	}

	total := cc.FrameCount()
	bins := plan.Bins()
	out := make([]float32, total*bins)

	ref := plan.ReferenceMagnitude()
	floor := math.Pow(10, p.MinDecibels/20) / 10
	frame := make([]float64, p.WindowSize)
	var scratch []complex128
	var mags []float64

	compute := func(i int) error {
		n := cc.Audio.MixInto(frame, i*p.HopSize)
		clear(frame[n:])

		scratch, err = plan.Transform(scratch, frame)
		if err != nil {
			return err
		}
		mags = plan.Magnitudes(mags, scratch)

		row := out[i*bins : (i+1)*bins]
		for k, m := range mags {
			row[k] = float32(decibels(m/ref, floor, p.MinDecibels, p.MaxDecibels))
		}
		return nil
	}

	finish := func() (*feature.Track, error) {
		return &feature.Track{
			CalculatorID: s.ID(),
			Version:      s.version,
			FrameCount:   total,
			Channels:     bins,
			Format:       feature.FormatFloat32,
			HopSeconds:   cc.HopSeconds(),
			HopTicks:     cc.HopTicks,
			Float32:      out,
		}, nil
	}

	return NewFrameTask(total, compute, finish), nil
}

// decibels converts a linear ratio to dB clamped to [lo, hi]; ratios below
// floor are treated as floor.
func decibels(ratio, floor, lo, hi float64) float64 {
	if ratio < floor || math.IsNaN(ratio) {
		ratio = floor
	}
	db := 20 * math.Log10(ratio)
	if db < lo {
		return lo
	}
	if db > hi {
		return hi
	}
	return db
}
