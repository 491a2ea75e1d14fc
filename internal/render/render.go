// Package render draws match annotations onto frames.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/lookout/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	MatchedColor   = color.RGBA{0, 255, 0, 255}
	UnmatchedColor = color.RGBA{255, 0, 0, 255}
	HintColor      = color.RGBA{255, 0, 0, 255}
)

// DefaultInstructions are drawn in the top-left corner of the live view.
var DefaultInstructions = []string{
	"Press 'q' to quit",
	"Press 'c' to capture reference",
	"Press 'r' to start/stop recording",
}

const (
	labelOffset = 10 // label baseline sits this far above the box
	hintX       = 10
	hintY       = 30
	hintStep    = 30
)

// Renderer draws boxes and score labels with a fixed bitmap font.
type Renderer struct {
	Thickness int
	face      font.Face
}

// New returns a Renderer with 2px boxes.
func New() *Renderer {
	return &Renderer{Thickness: 2, face: basicfont.Face7x13}
}

// Label is the text drawn above a person box.
func Label(a types.Annotation) string {
	if !a.Scored {
		return "Match: --"
	}
	return fmt.Sprintf("Match: %.2f", a.Score)
}

// ColorFor picks the box colour for an annotation.
func ColorFor(a types.Annotation) color.RGBA {
	if a.Scored && a.Matched {
		return MatchedColor
	}
	return UnmatchedColor
}

// Render returns a copy of frame with every annotation drawn on it.
// The input frame is left untouched.
func (r *Renderer) Render(frame image.Image, anns []types.Annotation) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)

	for _, a := range anns {
		c := ColorFor(a)
		DrawRect(out, a.Box, c, r.Thickness)
		r.DrawText(out, image.Pt(a.Box.Min.X, a.Box.Min.Y-labelOffset), Label(a), c)
	}
	return out
}

// Overlay draws operator hints, one per line, and a REC marker when recording.
func (r *Renderer) Overlay(img *image.RGBA, lines []string, recording bool) {
	b := img.Bounds()
	for i, line := range lines {
		r.DrawText(img, image.Pt(b.Min.X+hintX, b.Min.Y+hintY+i*hintStep), line, HintColor)
	}
	if recording {
		r.DrawText(img, image.Pt(b.Max.X-40, b.Min.Y+hintY), "REC", HintColor)
	}
}

// DrawText draws s with its baseline at pt, nudged down so it stays inside the image.
func (r *Renderer) DrawText(img *image.RGBA, pt image.Point, s string, c color.Color) {
	ascent := r.face.Metrics().Ascent.Ceil()
	if top := img.Bounds().Min.Y + ascent; pt.Y < top {
		pt.Y = top
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(pt.X, pt.Y),
	}
	d.DrawString(s)
}

// DrawRect strokes rect with the given thickness, clipped to the image.
func DrawRect(img *image.RGBA, rect image.Rectangle, c color.RGBA, thickness int) {
	rect = rect.Canon()
	if thickness < 1 {
		thickness = 1
	}
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness), // top
		image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y), // bottom
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y), // left
		image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y), // right
	}
	for _, e := range edges {
		fill(img, e.Intersect(rect), c)
	}
}

func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}
