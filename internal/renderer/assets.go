package renderer

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

// Brand colours
var (
	textColor       = color.RGBA{R: 248, G: 179, B: 29, A: 255} // #F8B31D
	backgroundColor = color.RGBA{R: 18, G: 18, B: 24, A: 255}
	laneColor       = color.RGBA{R: 164, G: 0, B: 0, A: 255} // #A40000
	gridColor       = color.RGBA{R: 48, G: 48, B: 60, A: 255}
)

// parsedRegular is the bundled Go Regular font, parsed once.
var parsedRegular *truetype.Font

func init() {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		panic(fmt.Sprintf("bundled font is invalid: %v", err))
	}
	parsedRegular = f
}

// LoadFont loads a TrueType font from a file. An empty path selects the
// bundled Go Regular font.
func LoadFont(fontPath string, size float64) (font.Face, error) {
	f := parsedRegular
	if fontPath != "" {
		fontBytes, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, err
		}
		f, err = truetype.Parse(fontBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse font %s: %w", fontPath, err)
		}
	}

	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}

// fitFontSize finds the largest size at which text fits in maxWidth
func fitFontSize(f *truetype.Font, text string, maxWidth int, largest float64) float64 {
	for size := largest; size > 8.0; size -= 2.0 {
		face := truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72})
		width, _ := measureText(face, text)
		face.Close()
		if width <= maxWidth {
			return size
		}
	}
	return 8.0
}

// measureText returns the width and bounds of rendered text
func measureText(face font.Face, text string) (int, fixed.Rectangle26_6) {
	d := &font.Drawer{Face: face}
	bounds, _ := d.BoundString(text)
	return (bounds.Max.X - bounds.Min.X).Ceil(), bounds
}

// drawText draws text with its visual top-left corner at (x, top)
func drawText(img *image.RGBA, face font.Face, text string, x, top int) {
	if text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	_, bounds := measureText(face, text)
	d.Dot = freetype.Pt(x, top-bounds.Min.Y.Floor())
	d.DrawString(text)
}

// drawCenterText draws text centred horizontally in width with its
// visual top at top
func drawCenterText(img *image.RGBA, face font.Face, text string, width, top int) {
	textWidth, _ := measureText(face, text)
	drawText(img, face, text, (width-textWidth)/2, top)
}
