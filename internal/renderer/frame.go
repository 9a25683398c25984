// Package renderer draws sampled feature tracks as stacked lanes and
// exports them as PNG. Output depends only on the frames passed in, so an
// export of the same cache and tempo map is byte-identical between runs.
package renderer

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/linuxmatters/featuretrack/internal/view"
)

// Kind selects how a lane is drawn
type Kind int

const (
	// KindLine draws the first value of each frame as a filled envelope
	KindLine Kind = iota
	// KindHeatmap draws every channel as a row, lowest channel at the bottom
	KindHeatmap
	// KindBand draws the min/max extent of each frame around a centre line
	KindBand
)

func (k Kind) String() string {
	switch k {
	case KindHeatmap:
		return "heatmap"
	case KindBand:
		return "band"
	default:
		return "line"
	}
}

// Lane is one feature drawn across the full width of the image.
type Lane struct {
	Title  string
	Kind   Kind
	Frames []view.Frame

	// Lo and Hi map values onto the lane; both zero means the observed range.
	Lo, Hi float64
}

// KindFor picks a drawing kind from the shape of sampled frames.
func KindFor(frames []view.Frame) Kind {
	if len(frames) == 0 {
		return KindLine
	}
	if frames[0].Min != nil {
		return KindBand
	}
	if len(frames[0].Values) > 1 {
		return KindHeatmap
	}
	return KindLine
}

// Options controls the image layout.
type Options struct {
	Width      int
	LaneHeight int
	Title      string

	// FontPath overrides the bundled font.
	FontPath string
}

const (
	DefaultWidth      = 1280
	DefaultLaneHeight = 160

	headerHeight = 48
	laneGap      = 8
	labelMargin  = 6
	labelSize    = 14.0
)

// Canvas renders lanes into an RGBA image
type Canvas struct {
	img        *image.RGBA
	labelFace  font.Face
	titleFace  font.Face
	width      int
	laneHeight int
	top        int

	// Pre-computed heatmap palette, index 0 is the floor
	palette [256][3]uint8
}

// NewCanvas allocates an image sized for n lanes.
func NewCanvas(n int, opts Options) (*Canvas, error) {
	if n <= 0 {
		return nil, errors.New("nothing to render")
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.LaneHeight <= 0 {
		opts.LaneHeight = DefaultLaneHeight
	}

	labelFace, err := LoadFont(opts.FontPath, labelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}

	top := 0
	var titleFace font.Face
	if opts.Title != "" {
		top = headerHeight
		size := fitFontSize(parsedRegular, opts.Title, opts.Width-2*labelMargin, 28)
		if titleFace, err = LoadFont(opts.FontPath, size); err != nil {
			return nil, fmt.Errorf("failed to load font: %w", err)
		}
	}

	height := top + n*opts.LaneHeight + (n-1)*laneGap
	c := &Canvas{
		img:        image.NewRGBA(image.Rect(0, 0, opts.Width, height)),
		labelFace:  labelFace,
		titleFace:  titleFace,
		width:      opts.Width,
		laneHeight: opts.LaneHeight,
		top:        top,
	}

	// dark blue through the lane red to the text yellow
	for i := range c.palette {
		t := float64(i) / 255.0
		var r, g, b float64
		if t < 0.5 {
			u := t / 0.5
			r = lerp(float64(backgroundColor.R), float64(laneColor.R), u)
			g = lerp(float64(backgroundColor.G), float64(laneColor.G), u)
			b = lerp(float64(backgroundColor.B)+40, float64(laneColor.B), u)
		} else {
			u := (t - 0.5) / 0.5
			r = lerp(float64(laneColor.R), float64(textColor.R), u)
			g = lerp(float64(laneColor.G), float64(textColor.G), u)
			b = lerp(float64(laneColor.B), float64(textColor.B), u)
		}
		c.palette[i] = [3]uint8{uint8(r), uint8(g), uint8(b)}
	}

	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)
	if titleFace != nil {
		drawCenterText(c.img, titleFace, opts.Title, opts.Width, labelMargin*2)
	}
	return c, nil
}

// Draw renders lane i.
func (c *Canvas) Draw(i int, lane Lane) {
	y0 := c.top + i*(c.laneHeight+laneGap)
	rect := image.Rect(0, y0, c.width, y0+c.laneHeight)
	if rect.Max.Y > c.img.Bounds().Max.Y {
		return
	}
	// bottom row is the lane separator
	plot := image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y-1)
	draw.Draw(c.img, image.Rect(0, plot.Max.Y, c.width, rect.Max.Y), image.NewUniform(gridColor), image.Point{}, draw.Src)

	if len(lane.Frames) > 0 {
		lo, hi := valueRange(lane)
		switch lane.Kind {
		case KindHeatmap:
			c.drawHeatmap(plot, lane.Frames, lo, hi)
		case KindBand:
			c.drawBand(plot, lane.Frames, lo, hi)
		default:
			c.drawLine(plot, lane.Frames, lo, hi)
		}
	}

	drawText(c.img, c.labelFace, lane.Title, labelMargin, y0+labelMargin)
}

// Image returns the rendered image
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Close releases the font faces
func (c *Canvas) Close() {
	c.labelFace.Close()
	if c.titleFace != nil {
		c.titleFace.Close()
	}
}

// Render draws every lane into a new image.
func Render(lanes []Lane, opts Options) (*image.RGBA, error) {
	c, err := NewCanvas(len(lanes), opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	for i, lane := range lanes {
		c.Draw(i, lane)
	}
	return c.Image(), nil
}

// frameAt maps pixel column x onto a frame, nearest-lower
func frameAt(x, width, n int) int {
	return min(x*n/width, n-1)
}

// drawHeatmap paints frames at native resolution (one pixel per frame and
// channel) and scales it onto the lane
func (c *Canvas) drawHeatmap(rect image.Rectangle, frames []view.Frame, lo, hi float64) {
	bins := len(frames[0].Values)
	if bins == 0 {
		return
	}
	native := image.NewRGBA(image.Rect(0, 0, len(frames), bins))
	for x, f := range frames {
		for k := 0; k < bins && k < len(f.Values); k++ {
			p := c.palette[paletteIndex(f.Values[k], lo, hi)]
			offset := (bins-1-k)*native.Stride + x*4
			native.Pix[offset] = p[0]
			native.Pix[offset+1] = p[1]
			native.Pix[offset+2] = p[2]
			native.Pix[offset+3] = 255
		}
	}
	draw.NearestNeighbor.Scale(c.img, rect, native, native.Bounds(), draw.Src, nil)
}

// drawLine fills from the lane floor up to each column's value
func (c *Canvas) drawLine(rect image.Rectangle, frames []view.Frame, lo, hi float64) {
	h := rect.Dy() - 1
	for x := 0; x < rect.Dx(); x++ {
		f := frames[frameAt(x, rect.Dx(), len(frames))]
		if len(f.Values) == 0 {
			continue
		}
		top := rect.Max.Y - 1 - int(math.Round(normalize(f.Values[0], lo, hi)*float64(h)))
		c.column(rect.Min.X+x, top, rect.Max.Y)
	}
}

// drawBand fills each column between the mapped min and max
func (c *Canvas) drawBand(rect image.Rectangle, frames []view.Frame, lo, hi float64) {
	h := rect.Dy() - 1
	for x := 0; x < rect.Dx(); x++ {
		f := frames[frameAt(x, rect.Dx(), len(frames))]
		if len(f.Min) == 0 {
			continue
		}
		mn, mx := f.Min[0], f.Max[0]
		for ch := 1; ch < len(f.Min); ch++ {
			mn = math.Min(mn, f.Min[ch])
			mx = math.Max(mx, f.Max[ch])
		}
		top := rect.Max.Y - 1 - int(math.Round(normalize(mx, lo, hi)*float64(h)))
		bottom := rect.Max.Y - 1 - int(math.Round(normalize(mn, lo, hi)*float64(h)))
		c.column(rect.Min.X+x, top, bottom+1)
	}
}

// column paints pixels [yStart, yEnd) of column x in the lane colour,
// dimming towards the top
func (c *Canvas) column(x, yStart, yEnd int) {
	span := yEnd - yStart
	for y := yStart; y < yEnd; y++ {
		alpha := 1.0
		if span > 1 {
			alpha = 1.0 - 0.5*float64(yEnd-1-y)/float64(span-1)
		}
		offset := y*c.img.Stride + x*4
		c.img.Pix[offset] = blend(laneColor.R, backgroundColor.R, alpha)
		c.img.Pix[offset+1] = blend(laneColor.G, backgroundColor.G, alpha)
		c.img.Pix[offset+2] = blend(laneColor.B, backgroundColor.B, alpha)
		c.img.Pix[offset+3] = 255
	}
}

func valueRange(lane Lane) (float64, float64) {
	if lane.Lo != 0 || lane.Hi != 0 {
		return lane.Lo, lane.Hi
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, f := range lane.Frames {
		for _, vs := range [][]float64{f.Values, f.Min, f.Max} {
			for _, v := range vs {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
		}
	}
	if math.IsInf(lo, 0) {
		return 0, 1
	}
	if lane.Kind == KindBand {
		// keep silence on the centre line
		m := math.Max(math.Abs(lo), math.Abs(hi))
		lo, hi = -m, m
	}
	return lo, hi
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo || math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

func paletteIndex(v, lo, hi float64) int {
	return int(math.Round(normalize(v, lo, hi) * 255))
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func blend(fg, bg uint8, alpha float64) uint8 {
	return uint8(float64(fg)*alpha + float64(bg)*(1-alpha))
}
