// Package fft wraps the radix-2 transform used by the spectral calculators.
//
// A Plan is built once per (window, FFT) size pair and is read-only
// afterwards, so one Plan may be shared by concurrent analysis jobs as
// long as each caller brings its own scratch buffer.
package fft

import (
	"fmt"
	"math"
	"sync"

	"github.com/argusdusty/gofft"
	"gonum.org/v1/gonum/dsp/window"
)

// Plan holds the precomputed state for one transform size.
type Plan struct {
	size       int
	windowSize int
	window     []float64
	windowSum  float64
}

// NewPlan prepares twiddle factors for an fftSize-point transform and Hann
// coefficients for windowSize samples. Frames shorter than fftSize are
// zero-padded after windowing.
func NewPlan(windowSize, fftSize int) (*Plan, error) {
	if !gofft.IsPow2(fftSize) {
		return nil, fmt.Errorf("fft size must be a power of two, got %d", fftSize)
	}
	if windowSize <= 0 || windowSize > fftSize {
		return nil, fmt.Errorf("window size %d must be in (0, %d]", windowSize, fftSize)
	}
	if err := gofft.Prepare(fftSize); err != nil {
		return nil, fmt.Errorf("failed to prepare fft plan: %w", err)
	}

	coeffs := make([]float64, windowSize)
	for i := range coeffs {
		coeffs[i] = 1
	}
	if windowSize > 1 {
		window.Hann(coeffs)
	}

	var sum float64
	for _, c := range coeffs {
		sum += c
	}

	return &Plan{
		size:       fftSize,
		windowSize: windowSize,
		window:     coeffs,
		windowSum:  sum,
	}, nil
}

// Size is the transform length.
func (p *Plan) Size() int { return p.size }

// WindowSize is the number of input samples per frame.
func (p *Plan) WindowSize() int { return p.windowSize }

// Bins is the number of non-negative frequency bins.
func (p *Plan) Bins() int { return p.size/2 + 1 }

// Window returns the window coefficients. Callers must not modify them.
func (p *Plan) Window() []float64 { return p.window }

// ReferenceMagnitude is the bin magnitude of a full-scale sine centred on
// a bin, used as 0 dB.
func (p *Plan) ReferenceMagnitude() float64 { return p.windowSum / 2 }

// Transform windows frame, zero-pads it to the plan size and transforms
// it in place in scratch, which is grown if needed and returned. Samples
// beyond the window size are ignored; missing samples count as silence.
func (p *Plan) Transform(scratch []complex128, frame []float64) ([]complex128, error) {
	if cap(scratch) < p.size {
		scratch = make([]complex128, p.size)
	}
	scratch = scratch[:p.size]

	n := min(len(frame), p.windowSize)
	for i := 0; i < n; i++ {
		scratch[i] = complex(frame[i]*p.window[i], 0)
	}
	for i := n; i < p.size; i++ {
		scratch[i] = 0
	}

	if err := gofft.FFT(scratch); err != nil {
		return scratch, fmt.Errorf("fft failed: %w", err)
	}
	return scratch, nil
}

// Magnitudes writes |X[k]| for the non-negative bins of a transformed
// frame into dst, growing it if needed.
func (p *Plan) Magnitudes(dst []float64, coeffs []complex128) []float64 {
	bins := p.Bins()
	if cap(dst) < bins {
		dst = make([]float64, bins)
	}
	dst = dst[:bins]
	for k := 0; k < bins; k++ {
		re, im := real(coeffs[k]), imag(coeffs[k])
		dst[k] = math.Sqrt(re*re + im*im)
	}
	return dst
}

type planKey struct {
	window int
	size   int
}

// PlanCache shares plans between analysis passes.
type PlanCache struct {
	mu    sync.RWMutex
	plans map[planKey]*Plan
}

// NewPlanCache creates an empty cache.
func NewPlanCache() *PlanCache {
	return &PlanCache{plans: make(map[planKey]*Plan)}
}

// Get returns the plan for the given sizes, building it on first use.
func (c *PlanCache) Get(windowSize, fftSize int) (*Plan, error) {
	key := planKey{window: windowSize, size: fftSize}

	c.mu.RLock()
	p, ok := c.plans[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[key]; ok {
		return p, nil
	}
	p, err := NewPlan(windowSize, fftSize)
	if err != nil {
		return nil, err
	}
	c.plans[key] = p
	return p, nil
}

// Len reports the number of cached plans.
func (c *PlanCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}
