package renderer

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/linuxmatters/featuretrack/internal/engine"
	"github.com/linuxmatters/featuretrack/internal/feature"
)

// SampleLanes reads each descriptor over [startTick, endTick] at native
// frame resolution. Descriptors the engine cannot serve produce an empty
// lane whose title carries the fallback reason.
func SampleLanes(e *engine.Engine, sourceID string, descriptors []feature.Descriptor, startTick, endTick float64) []Lane {
	cache := e.Store().Cache(sourceID)
	lanes := make([]Lane, 0, len(descriptors))
	for _, d := range descriptors {
		frames, diag := e.SampleRange(sourceID, d, startTick, endTick)
		lane := Lane{
			Title:  d.FeatureKey,
			Kind:   KindFor(frames),
			Frames: frames,
		}
		if d.Channel != "" {
			lane.Title += " / " + d.Channel
		}
		if frames == nil && diag.FallbackReason != "" {
			lane.Title += " (" + diag.FallbackReason + ")"
		}
		// spectrogram values are decibels inside the analysis range
		if lane.Kind == KindHeatmap && cache != nil {
			lane.Lo, lane.Hi = cache.Params.MinDecibels, cache.Params.MaxDecibels
		}
		lanes = append(lanes, lane)
	}
	return lanes
}

// Encode renders lanes and returns the PNG bytes.
func Encode(lanes []Lane, opts Options) ([]byte, error) {
	img, err := Render(lanes, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Export renders lanes to a PNG file.
func Export(outputPath string, lanes []Lane, opts Options) error {
	img, err := Render(lanes, opts)
	if err != nil {
		return err
	}
	if err := savePNG(img, outputPath); err != nil {
		return fmt.Errorf("failed to save %s: %w", outputPath, err)
	}
	return nil
}

// savePNG saves the image to a PNG file
func savePNG(img *image.RGBA, outputPath string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := png.Encode(outFile, img); err != nil {
		outFile.Close()
		return err
	}
	return outFile.Close()
}
