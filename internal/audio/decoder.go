// Package audio decodes WAV, MP3 and FLAC files into per-channel PCM for
// analysis.
package audio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/linuxmatters/featuretrack/internal/calc"
)

// ErrUnsupportedFile is returned for file extensions with no decoder.
var ErrUnsupportedFile = errors.New("unsupported audio file")

// Decoder reads audio in chunks of deinterleaved samples.
type Decoder interface {
	// ReadChunk reads up to numFrames samples per channel, scaled to
	// [-1, 1]. It returns io.EOF once the stream is exhausted.
	ReadChunk(numFrames int) ([][]float32, error)

	// SampleRate returns the audio sample rate in Hz
	SampleRate() int

	// NumChannels returns the number of audio channels (1=mono, 2=stereo)
	NumChannels() int

	// NumFrames returns the samples per channel, or 0 when unknown
	NumFrames() int64

	Close() error
}

// Open picks a decoder by file extension.
func Open(filename string) (Decoder, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav", ".wave":
		return NewWAVDecoder(filename)
	case ".mp3":
		return NewMP3Decoder(filename)
	case ".flac":
		return NewFLACDecoder(filename)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(filename))
	}
}

// ChunkFrames is the number of samples per channel read per chunk.
const ChunkFrames = 8192

// ProgressFunc reports decoded and expected samples per channel. total is
// 0 when the length is unknown.
type ProgressFunc func(decoded, total int64)

// Load decodes the whole file into memory.
func Load(filename string, progress ProgressFunc) (*calc.PCM, error) {
	d, err := Open(filename)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	pcm, err := ReadAll(d, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(filename), err)
	}
	return pcm, nil
}

// ReadAll drains d into a PCM buffer.
func ReadAll(d Decoder, progress ProgressFunc) (*calc.PCM, error) {
	pcm := &calc.PCM{
		SampleRate: d.SampleRate(),
		Channels:   make([][]float32, d.NumChannels()),
	}
	if n := d.NumFrames(); n > 0 {
		for c := range pcm.Channels {
			pcm.Channels[c] = make([]float32, 0, n)
		}
	}

	var decoded int64
	for {
		chunk, err := d.ReadChunk(ChunkFrames)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for c := range pcm.Channels {
			pcm.Channels[c] = append(pcm.Channels[c], chunk[c]...)
		}
		decoded += int64(len(chunk[0]))
		if progress != nil {
			progress(decoded, d.NumFrames())
		}
	}

	if err := pcm.Validate(); err != nil {
		return nil, err
	}
	if pcm.Len() == 0 {
		return nil, errors.New("no audio samples")
	}
	return pcm, nil
}

func deinterleave(dst [][]float32, n int) [][]float32 {
	for c := range dst {
		if cap(dst[c]) < n {
			dst[c] = make([]float32, n)
		}
		dst[c] = dst[c][:n]
	}
	return dst
}

func newChannels(numChans int) [][]float32 {
	return make([][]float32, numChans)
}
