package audio

import (
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
)

// FLACDecoder implements Decoder for FLAC files
type FLACDecoder struct {
	stream      *flac.Stream
	file        *os.File
	sampleRate  int
	numFrames   int64
	numChannels int
	position    int64

	// samples of the last parsed frame not yet returned
	pending [][]float32
}

// NewFLACDecoder creates a new FLAC decoder
func NewFLACDecoder(filename string) (*FLACDecoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	// Parse FLAC stream - reads signature and StreamInfo block
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create FLAC decoder: %w", err)
	}

	return &FLACDecoder{
		stream:      stream,
		file:        f,
		sampleRate:  int(stream.Info.SampleRate),
		numFrames:   int64(stream.Info.NSamples),
		numChannels: int(stream.Info.NChannels),
		pending:     newChannels(int(stream.Info.NChannels)),
	}, nil
}

// ReadChunk reads the next chunk of samples
func (d *FLACDecoder) ReadChunk(numFrames int) ([][]float32, error) {
	out := newChannels(d.numChannels)
	for c := range out {
		out[c] = make([]float32, 0, numFrames)
	}

	for len(out[0]) < numFrames {
		if len(d.pending[0]) == 0 {
			frame, err := d.stream.ParseNext()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse FLAC frame: %w", err)
			}

			// one subframe per channel; normalise by bits per sample (4-32)
			maxVal := float32(int64(1) << (frame.BitsPerSample - 1))
			for c, sub := range frame.Subframes {
				if c >= d.numChannels {
					break
				}
				buf := d.pending[c][:0]
				for _, s := range sub.Samples {
					buf = append(buf, float32(s)/maxVal)
				}
				d.pending[c] = buf
			}
		}

		take := min(numFrames-len(out[0]), len(d.pending[0]))
		for c := range out {
			out[c] = append(out[c], d.pending[c][:take]...)
			d.pending[c] = d.pending[c][take:]
		}
	}

	if len(out[0]) == 0 {
		return nil, io.EOF
	}
	d.position += int64(len(out[0]))
	return out, nil
}

// SampleRate returns the sample rate
func (d *FLACDecoder) SampleRate() int {
	return d.sampleRate
}

// NumFrames returns the samples per channel from StreamInfo, 0 if unknown
func (d *FLACDecoder) NumFrames() int64 {
	return d.numFrames
}

// NumChannels returns the number of audio channels
func (d *FLACDecoder) NumChannels() int {
	return d.numChannels
}

// Close closes the decoder and releases resources
func (d *FLACDecoder) Close() error {
	if d.stream != nil {
		d.stream.Close()
	}
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
