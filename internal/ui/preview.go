package ui

import (
	"fmt"
	"image"
	"image/color"
	"strings"
)

// PreviewConfig holds the preview size in terminal cells
type PreviewConfig struct {
	Width  int
	Height int
}

// DefaultPreviewConfig returns a sensible default preview size
func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{
		Width:  72,
		Height: 20,
	}
}

// DownsampleImage reduces img to one colour per terminal cell by averaging
// the pixels each cell covers. Cells past the image edge stay black.
func DownsampleImage(img *image.RGBA, config PreviewConfig) [][]color.RGBA {
	bounds := img.Bounds()
	srcWidth := bounds.Dx()
	srcHeight := bounds.Dy()

	cellWidth := max(1, srcWidth/config.Width)
	cellHeight := max(1, srcHeight/config.Height)

	preview := make([][]color.RGBA, config.Height)
	for row := 0; row < config.Height; row++ {
		preview[row] = make([]color.RGBA, config.Width)
		for col := 0; col < config.Width; col++ {
			srcX := col * cellWidth
			srcY := row * cellHeight

			var sumR, sumG, sumB uint32
			pixelCount := 0
			for y := srcY; y < srcY+cellHeight && y < srcHeight; y++ {
				for x := srcX; x < srcX+cellWidth && x < srcWidth; x++ {
					c := img.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
					sumR += uint32(c.R)
					sumG += uint32(c.G)
					sumB += uint32(c.B)
					pixelCount++
				}
			}

			if pixelCount > 0 {
				preview[row][col] = color.RGBA{
					R: uint8(sumR / uint32(pixelCount)),
					G: uint8(sumG / uint32(pixelCount)),
					B: uint8(sumB / uint32(pixelCount)),
					A: 255,
				}
			}
		}
	}

	return preview
}

// RenderPreview draws the grid with ANSI 24-bit background colours,
// one space per cell
func RenderPreview(preview [][]color.RGBA) string {
	if len(preview) == 0 {
		return ""
	}

	var b strings.Builder
	border := strings.Repeat("─", len(preview[0]))

	b.WriteString("  Lanes Preview:\n")
	b.WriteString("  ┌" + border + "┐\n")
	for _, row := range preview {
		b.WriteString("  │")
		for _, pixel := range row {
			fmt.Fprintf(&b, "\x1b[48;2;%d;%d;%dm \x1b[0m", pixel.R, pixel.G, pixel.B)
		}
		b.WriteString("│\n")
	}
	b.WriteString("  └" + border + "┘\n")

	return b.String()
}
