package audio

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeWAV writes a 16-bit WAV with a sine on the left channel and its
// inverse on the right.
func writeWAV(t *testing.T, frames, channels, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Data:           make([]int, frames*channels),
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	for i := 0; i < frames; i++ {
		v := int(16384 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			if c%2 == 1 {
				buf.Data[i*channels+c] = -v
			} else {
				buf.Data[i*channels+c] = v
			}
		}
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func TestLoadWAVStereo(t *testing.T) {
	// more than two chunks, with a partial last one
	frames := ChunkFrames*2 + 1234
	path := writeWAV(t, frames, 2, 44100)

	var reports int
	var last int64
	pcm, err := Load(path, func(decoded, total int64) {
		reports++
		last = decoded
		if total != int64(frames) {
			t.Errorf("total = %d, want %d", total, frames)
		}
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if pcm.SampleRate != 44100 || len(pcm.Channels) != 2 || pcm.Len() != frames {
		t.Fatalf("pcm = %d Hz, %d channels, %d samples", pcm.SampleRate, len(pcm.Channels), pcm.Len())
	}
	if reports != 3 || last != int64(frames) {
		t.Errorf("progress: %d reports, last %d", reports, last)
	}

	for i := 0; i < frames; i += 997 {
		l, r := pcm.Channels[0][i], pcm.Channels[1][i]
		if l != -r {
			t.Fatalf("sample %d: left %v right %v, want mirrored", i, l, r)
		}
		if l < -1 || l > 1 {
			t.Fatalf("sample %d out of range: %v", i, l)
		}
	}
	t.Logf("decoded %d samples, %.2fs", pcm.Len(), pcm.Duration())
}

func TestLoadWAVMono(t *testing.T) {
	path := writeWAV(t, 4410, 1, 22050)
	pcm, err := Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm.Channels) != 1 || pcm.Len() != 4410 {
		t.Errorf("pcm = %d channels, %d samples", len(pcm.Channels), pcm.Len())
	}
	// 16384 / 32767 is just over half scale
	var peak float32
	for _, s := range pcm.Channels[0] {
		peak = max(peak, s)
	}
	if math.Abs(float64(peak)-0.5) > 0.01 {
		t.Errorf("peak = %v, want about 0.5", peak)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open("song.ogg"); !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("ogg error = %v, want ErrUnsupportedFile", err)
	}
	if _, err := Open("nonexistent.wav"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	bogus := filepath.Join(t.TempDir(), "bogus.wav")
	if err := os.WriteFile(bogus, []byte("not a riff file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bogus); err == nil {
		t.Error("expected error for invalid WAV")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.flac"), nil); err == nil {
		t.Error("expected error for missing FLAC")
	}
}

// chunkDecoder serves fixed chunks and fails after them when failAfter is set.
type chunkDecoder struct {
	chunks    [][][]float32
	failAfter bool
}

func (d *chunkDecoder) ReadChunk(int) ([][]float32, error) {
	if len(d.chunks) == 0 {
		if d.failAfter {
			return nil, errors.New("corrupt frame")
		}
		return nil, io.EOF
	}
	c := d.chunks[0]
	d.chunks = d.chunks[1:]
	return c, nil
}

func (d *chunkDecoder) SampleRate() int  { return 8000 }
func (d *chunkDecoder) NumChannels() int { return 2 }
func (d *chunkDecoder) NumFrames() int64 { return 0 }
func (d *chunkDecoder) Close() error     { return nil }

func TestReadAll(t *testing.T) {
	d := &chunkDecoder{chunks: [][][]float32{
		{{1, 2}, {-1, -2}},
		{{3}, {-3}},
	}}
	pcm, err := ReadAll(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pcm.Len() != 3 || pcm.Channels[0][2] != 3 || pcm.Channels[1][2] != -3 {
		t.Errorf("pcm = %+v", pcm.Channels)
	}

	if _, err := ReadAll(&chunkDecoder{}, nil); err == nil {
		t.Error("expected error for empty stream")
	}
	if _, err := ReadAll(&chunkDecoder{chunks: [][][]float32{{{1}, {1}}}, failAfter: true}, nil); err == nil {
		t.Error("expected decode error to propagate")
	}
}
