package audio

import (
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Decoder implements Decoder for MP3 files
type MP3Decoder struct {
	decoder    *mp3.Decoder
	file       *os.File
	sampleRate int
	buf        []byte
}

// NewMP3Decoder creates a new MP3 decoder
func NewMP3Decoder(filename string) (*MP3Decoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create MP3 decoder: %w", err)
	}

	return &MP3Decoder{
		decoder:    decoder,
		file:       f,
		sampleRate: decoder.SampleRate(),
	}, nil
}

// ReadChunk reads the next chunk of samples
func (d *MP3Decoder) ReadChunk(numFrames int) ([][]float32, error) {
	// go-mp3 always outputs interleaved 16-bit stereo: 4 bytes per frame
	if len(d.buf) != numFrames*4 {
		d.buf = make([]byte, numFrames*4)
	}

	n, err := io.ReadFull(d.decoder, d.buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read MP3 data: %w", err)
	}
	frames := n / 4
	if frames == 0 {
		return nil, io.EOF
	}

	out := deinterleave(newChannels(2), frames)
	for i := 0; i < frames; i++ {
		left := int16(d.buf[i*4]) | int16(d.buf[i*4+1])<<8
		right := int16(d.buf[i*4+2]) | int16(d.buf[i*4+3])<<8
		out[0][i] = float32(left) / 32768
		out[1][i] = float32(right) / 32768
	}
	return out, nil
}

// SampleRate returns the sample rate
func (d *MP3Decoder) SampleRate() int {
	return d.sampleRate
}

// NumChannels is always 2
func (d *MP3Decoder) NumChannels() int {
	return 2
}

// NumFrames derives the length from the decoded byte length
func (d *MP3Decoder) NumFrames() int64 {
	if l := d.decoder.Length(); l > 0 {
		return l / 4
	}
	return 0
}

// Close closes the decoder and releases resources
func (d *MP3Decoder) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
