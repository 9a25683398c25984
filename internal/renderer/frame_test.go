package renderer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/engine"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/view"
)

func lineFrames(n int) []view.Frame {
	frames := make([]view.Frame, n)
	for i := range frames {
		frames[i] = view.Frame{Index: float64(i), Values: []float64{float64(i) / float64(n-1)}}
	}
	return frames
}

func testLanes() []Lane {
	heat := make([]view.Frame, 4)
	for i := range heat {
		heat[i] = view.Frame{Index: float64(i), Values: []float64{0, -80}}
	}
	band := []view.Frame{
		{Min: []float64{-1}, Max: []float64{1}},
		{Min: []float64{-0.5}, Max: []float64{0.5}},
	}
	return []Lane{
		{Title: "rms", Kind: KindLine, Frames: lineFrames(10)},
		{Title: "spectrogram", Kind: KindHeatmap, Frames: heat, Lo: -80, Hi: 0},
		{Title: "waveform", Kind: KindBand, Frames: band},
	}
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

// TestRenderLaneKinds checks each lane kind lands in its own band of the
// image with values mapped onto the lane height.
func TestRenderLaneKinds(t *testing.T) {
	img, err := Render(testLanes(), Options{Width: 100, LaneHeight: 50})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 3*50+2*laneGap {
		t.Fatalf("bounds = %v", b)
	}

	// line: last frame is full height, second frame barely above the floor
	if got := rgbaAt(img, 95, 48); got != laneColor {
		t.Errorf("line floor = %v, want %v", got, laneColor)
	}
	if got := rgbaAt(img, 95, 1); got == backgroundColor {
		t.Error("full-scale frame did not reach the lane top")
	}
	if got := rgbaAt(img, 15, 1); got != backgroundColor {
		t.Errorf("low frame reached the lane top: %v", got)
	}
	if got := rgbaAt(img, 95, 49); got != gridColor {
		t.Errorf("separator = %v, want %v", got, gridColor)
	}

	// heatmap: channel 0 at 0 dB sits at the bottom, channel 1 at the floor on top
	y0 := 50 + laneGap
	hot := color.RGBA{R: textColor.R, G: textColor.G, B: textColor.B, A: 255}
	if got := rgbaAt(img, 90, y0+45); got != hot {
		t.Errorf("hot bin = %v, want %v", got, hot)
	}
	cold := color.RGBA{R: backgroundColor.R, G: backgroundColor.G, B: backgroundColor.B + 40, A: 255}
	if got := rgbaAt(img, 90, y0+2); got != cold {
		t.Errorf("cold bin = %v, want %v", got, cold)
	}

	// band: the full-scale frame covers the lane, the half-scale one does not
	y0 = 2 * (50 + laneGap)
	if got := rgbaAt(img, 90, y0+24); got == backgroundColor {
		t.Error("band centre not drawn")
	}
	if got := rgbaAt(img, 90, y0+2); got != backgroundColor {
		t.Errorf("half-scale band reached the top: %v", got)
	}
	if got := rgbaAt(img, 40, y0+2); got == backgroundColor {
		t.Error("full-scale band did not reach the top")
	}
}

// TestEncodeDeterministic catches any dependence on map order or timing in
// the export path.
func TestEncodeDeterministic(t *testing.T) {
	opts := Options{Width: 320, LaneHeight: 60, Title: "kick drum"}
	a, err := Encode(testLanes(), opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(testLanes(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodes of the same lanes differ")
	}
	t.Logf("encoded %d bytes", len(a))
}

func TestExportWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanes.png")
	if err := Export(path, testLanes(), Options{Width: 200, LaneHeight: 40, Title: "lanes"}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != headerHeight+3*40+2*laneGap {
		t.Errorf("bounds = %v", b)
	}

	if err := Export(filepath.Join(t.TempDir(), "none", "x.png"), testLanes(), Options{}); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRenderEdgeCases(t *testing.T) {
	if _, err := Render(nil, Options{}); err == nil {
		t.Error("expected error for no lanes")
	}
	if _, err := LoadFont(filepath.Join(t.TempDir(), "missing.ttf"), 12); err == nil {
		t.Error("expected error for missing font")
	}

	// empty and flat lanes draw nothing but still lay out
	img, err := Render([]Lane{
		{Title: "empty"},
		{Title: "flat", Frames: []view.Frame{{Values: []float64{0.5}}}},
	}, Options{Width: 64, LaneHeight: 32})
	if err != nil {
		t.Fatal(err)
	}
	if got := rgbaAt(img, 60, 2); got != backgroundColor {
		t.Errorf("empty lane drew %v", got)
	}
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		name   string
		frames []view.Frame
		want   Kind
	}{
		{"empty", nil, KindLine},
		{"scalar", lineFrames(2), KindLine},
		{"bins", []view.Frame{{Values: []float64{1, 2, 3}}}, KindHeatmap},
		{"minmax", []view.Frame{{Min: []float64{-1}, Max: []float64{1}}}, KindBand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindFor(tt.frames); got != tt.want {
				t.Errorf("KindFor = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFitFontSize(t *testing.T) {
	long := strings.Repeat("spectrogram ", 10)
	narrow := fitFontSize(parsedRegular, long, 200, 28)
	wide := fitFontSize(parsedRegular, "rms", 200, 28)
	if wide != 28 {
		t.Errorf("short title size = %v, want 28", wide)
	}
	if narrow >= wide {
		t.Errorf("long title size %v not reduced", narrow)
	}
}

// TestSampleLanesFromEngine renders an analysed source end to end.
func TestSampleLanesFromEngine(t *testing.T) {
	cfg := config.Default()
	cfg.WindowSize = 256
	cfg.HopSize = 128
	cfg.FFTSize = 256
	e, err := engine.New(engine.Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}

	pcm := &calc.PCM{SampleRate: 8000, Channels: [][]float32{make([]float32, 8000)}}
	for i := range pcm.Channels[0] {
		pcm.Channels[0][i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	job, err := e.Schedule("tone", pcm, engine.ScheduleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Pump(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := job.Err(); err != nil {
		t.Fatalf("job: %v", err)
	}

	descriptors := []feature.Descriptor{
		{FeatureKey: config.SpectrogramID},
		{FeatureKey: config.RMSID},
		{FeatureKey: config.WaveformID},
		{FeatureKey: "chroma"},
	}
	// one second at 120 BPM
	lanes := SampleLanes(e, "tone", descriptors, 0, 1920)
	if len(lanes) != 4 {
		t.Fatalf("got %d lanes", len(lanes))
	}

	want := []Kind{KindHeatmap, KindLine, KindBand, KindLine}
	for i, lane := range lanes {
		if lane.Kind != want[i] {
			t.Errorf("lane %s kind = %v, want %v", lane.Title, lane.Kind, want[i])
		}
	}
	if lanes[0].Lo != cfg.MinDecibels || lanes[0].Hi != cfg.MaxDecibels {
		t.Errorf("heatmap range = [%v, %v]", lanes[0].Lo, lanes[0].Hi)
	}
	if len(lanes[1].Frames) == 0 {
		t.Error("rms lane is empty")
	}
	if lanes[3].Frames != nil || !strings.Contains(lanes[3].Title, view.ReasonMissingFeature) {
		t.Errorf("missing lane = %q with %d frames", lanes[3].Title, len(lanes[3].Frames))
	}

	if err := Export(filepath.Join(t.TempDir(), "tone.png"), lanes, Options{Title: "tone"}); err != nil {
		t.Fatal(err)
	}
}
