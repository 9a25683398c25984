package calc

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/feature"
)

// Waveform extracts per-channel min/max peaks at a fixed number of
// sub-hops per analysis hop.
type Waveform struct {
	version int
}

// NewWaveform returns the built-in waveform calculator.
func NewWaveform() *Waveform { return &Waveform{version: 1} }

func (w *Waveform) ID() string         { return config.WaveformID }
func (w *Waveform) Version() int       { return w.version }
func (w *Waveform) FeatureKey() string { return config.WaveformID }

// WithVersion returns a copy reporting a different version.
func (w *Waveform) WithVersion(v int) *Waveform { return &Waveform{version: v} }

func (w *Waveform) Begin(cc *Context) (Task, error) {
	sub := cc.Params.Subdivision
	if sub <= 0 {
		sub = config.WaveformSubdivision
	}
	hop := cc.Params.HopSize
	channels := len(cc.Audio.Channels)
	n := cc.Audio.Len()

	// the task advances one analysis hop (sub peaks) per frame
	hops := cc.FrameCount()
	total := hops * sub

	// one sub-block never spans more than ceil(hop/sub) samples
	scratch := make([]float64, hop/sub+1)
	mins := make([]float32, total*channels)
	maxs := make([]float32, total*channels)

	compute := func(i int) error {
		for s := 0; s < sub; s++ {
			j := i*sub + s
			start := j * hop / sub
			end := min((j+1)*hop/sub, n)
			if start >= end {
				continue
			}
			for c, ch := range cc.Audio.Channels {
				block := scratch[:end-start]
				for k, v := range ch[start:end] {
					block[k] = float64(v)
				}
				mins[j*channels+c] = float32(floats.Min(block))
				maxs[j*channels+c] = float32(floats.Max(block))
			}
		}
		return nil
	}

	finish := func() (*feature.Track, error) {
		return &feature.Track{
			CalculatorID:   w.ID(),
			Version:        w.version,
			FrameCount:     total,
			Channels:       channels,
			Format:         feature.FormatMinMax,
			HopSeconds:     cc.HopSeconds() / float64(sub),
			HopTicks:       cc.HopTicks / float64(sub),
			Min:            mins,
			Max:            maxs,
			ChannelAliases: channelAliases(channels),
		}, nil
	}

	return NewFrameTask(hops, compute, finish), nil
}

func channelAliases(channels int) map[string]int {
	switch channels {
	case 1:
		return map[string]int{"Mono": 0}
	case 2:
		return map[string]int{"Left": 0, "Right": 1}
	default:
		aliases := make(map[string]int, channels)
		for c := 0; c < channels; c++ {
			aliases[fmt.Sprintf("Ch%d", c+1)] = c
		}
		return aliases
	}
}

// Builtins returns the built-in calculators in their canonical order.
func Builtins() []Calculator {
	return []Calculator{NewSpectrogram(), NewRMS(), NewWaveform()}
}
