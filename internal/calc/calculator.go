// Package calc defines the feature calculator capability, the step-driven
// task the scheduler advances, the calculator registry, and the built-in
// spectrogram, RMS and waveform calculators.
package calc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/fft"
)

// ErrUnknownCalculator is returned when an id is not registered.
var ErrUnknownCalculator = errors.New("unknown calculator")

// Error wraps a failure raised by a calculator.
type Error struct {
	CalculatorID string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("calculator %s: %v", e.CalculatorID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Calculator produces one feature track from decoded audio.
//
// Begin must not do per-frame work: all of it belongs in the returned
// Task so the scheduler can interleave and cancel it. Calculators may
// also implement feature.TrackCodec to control serialization.
type Calculator interface {
	ID() string
	Version() int
	FeatureKey() string
	Begin(cc *Context) (Task, error)
}

// Task is one calculator's work for one analysis pass, advanced in slices.
type Task interface {
	// Total is the number of frames the task will process.
	Total() int
	// Processed is the number of frames done so far.
	Processed() int
	// Done reports whether every frame has been processed.
	Done() bool
	// Step processes up to budget frames, checking ctx before each one.
	// It returns the number of frames processed.
	Step(ctx context.Context, budget int) (int, error)
	// Result returns the finished track. Only valid once Done.
	Result() (*feature.Track, error)
}

// PCM is decoded audio: a sample rate and per-channel samples in [-1, 1].
type PCM struct {
	SampleRate int
	Channels   [][]float32
}

// Len is the number of samples per channel.
func (p *PCM) Len() int {
	if p == nil || len(p.Channels) == 0 {
		return 0
	}
	return len(p.Channels[0])
}

// Duration is the length of the audio in seconds.
func (p *PCM) Duration() float64 {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Len()) / float64(p.SampleRate)
}

// Validate checks the buffer is usable for analysis.
func (p *PCM) Validate() error {
	if p == nil {
		return errors.New("audio buffer is nil")
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", p.SampleRate)
	}
	if len(p.Channels) == 0 {
		return errors.New("audio buffer has no channels")
	}
	n := len(p.Channels[0])
	for i, ch := range p.Channels {
		if len(ch) != n {
			return fmt.Errorf("channel %d has %d samples, want %d", i, len(ch), n)
		}
	}
	return nil
}

// MixInto writes the channel average of samples [start, start+len(dst))
// into dst and returns how many samples were available.
func (p *PCM) MixInto(dst []float64, start int) int {
	n := min(len(dst), p.Len()-start)
	if start < 0 || n <= 0 {
		return 0
	}
	dst = dst[:n]
	clear(dst)
	for _, ch := range p.Channels {
		for i, s := range ch[start : start+n] {
			dst[i] += float64(s)
		}
	}
	if len(p.Channels) > 1 {
		floats.Scale(1/float64(len(p.Channels)), dst)
	}
	return n
}

// Hash fingerprints the audio content for drift detection.
func (p *PCM) Hash() string {
	h := NewInputHasher(p)
	for !h.Done() {
		h.Step(math.MaxInt)
	}
	return h.Sum()
}

// hashChunk is the number of samples encoded per hash write.
const hashChunk = 4096

// InputHasher computes PCM.Hash in bounded steps so a long input can be
// fingerprinted across scheduler slices.
type InputHasher struct {
	pcm     *PCM
	h       hash.Hash
	ch, pos int
	buf     []byte
}

// NewInputHasher starts hashing p.
func NewInputHasher(p *PCM) *InputHasher {
	h := &InputHasher{pcm: p, h: sha256.New(), buf: make([]byte, 4*hashChunk)}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(p.Channels)))
	h.h.Write(hdr[:])
	return h
}

// Done reports whether every sample has been hashed.
func (h *InputHasher) Done() bool { return h.ch >= len(h.pcm.Channels) }

// Step hashes up to budget samples and returns how many it consumed.
func (h *InputHasher) Step(budget int) int {
	n := 0
	for n < budget && !h.Done() {
		ch := h.pcm.Channels[h.ch]
		k := min(len(ch)-h.pos, budget-n, hashChunk)
		for i, s := range ch[h.pos : h.pos+k] {
			binary.LittleEndian.PutUint32(h.buf[4*i:], math.Float32bits(s))
		}
		h.h.Write(h.buf[:4*k])
		h.pos += k
		n += k
		if h.pos >= len(ch) {
			h.ch++
			h.pos = 0
		}
	}
	return n
}

// Sum returns the hex digest. Only meaningful once Done.
func (h *InputHasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Context is what a calculator sees of an analysis pass.
type Context struct {
	SourceID string
	Audio    *PCM
	Params   feature.AnalysisParams
	Plans    *fft.PlanCache

	// HopTicks is the cache hop projected onto the tempo map.
	HopTicks float64
}

// HopSeconds is the analysis hop in seconds.
func (cc *Context) HopSeconds() float64 {
	return float64(cc.Params.HopSize) / float64(cc.Params.SampleRate)
}

// FrameCount is the number of analysis frames for the pass.
func (cc *Context) FrameCount() int {
	return FrameCount(cc.Audio.Len(), cc.Params.WindowSize, cc.Params.HopSize)
}

// FrameCount returns floor((samples-window)/hop)+1. Input shorter than one
// window still yields a single zero-padded frame; empty input yields none.
func FrameCount(samples, window, hop int) int {
	if samples <= 0 || hop <= 0 {
		return 0
	}
	if samples < window {
		return 1
	}
	return (samples-window)/hop + 1
}

// FrameTask adapts a per-frame function into a Task.
type FrameTask struct {
	total  int
	next   int
	frame  func(i int) error
	finish func() (*feature.Track, error)
}

// NewFrameTask returns a task calling frame for 0..total-1 and then finish.
func NewFrameTask(total int, frame func(i int) error, finish func() (*feature.Track, error)) *FrameTask {
	return &FrameTask{total: total, frame: frame, finish: finish}
}

func (t *FrameTask) Total() int     { return t.total }
func (t *FrameTask) Processed() int { return t.next }
func (t *FrameTask) Done() bool     { return t.next >= t.total }

func (t *FrameTask) Step(ctx context.Context, budget int) (int, error) {
	n := 0
	for n < budget && t.next < t.total {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := t.frame(t.next); err != nil {
			return n, err
		}
		t.next++
		n++
	}
	return n, nil
}

func (t *FrameTask) Result() (*feature.Track, error) {
	if !t.Done() {
		return nil, fmt.Errorf("task finished %d of %d frames", t.next, t.total)
	}
	return t.finish()
}
