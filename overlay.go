package main

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorRead   = color.NRGBA{R: 0, G: 200, B: 0, A: 255}
	colorFailed = color.NRGBA{R: 220, G: 0, B: 0, A: 255}
)

// drawOverlay returns a copy of img with every box outlined and labeled.
// Boxes whose classification failed are drawn in red without a label.
func drawOverlay(img image.Image, result models.ReadResult) *image.NRGBA {
	dst := imaging.Clone(img)

	for _, d := range result.Detections {
		drawBox(dst, d.Box, colorRead)
		drawLabel(dst, d.Box, d.Label, colorRead)
	}
	for _, f := range result.Failures {
		drawBox(dst, f.Box, colorFailed)
	}
	return dst
}

func drawBox(dst draw.Image, b models.Box, c color.Color) {
	src := image.NewUniform(c)
	r := image.Rect(b.X, b.Y, b.Right(), b.Bottom())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1),
		image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y),
		image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel writes text above the box, or inside it when the box touches
// the top edge.
func drawLabel(dst draw.Image, b models.Box, text string, c color.Color) {
	face := basicfont.Face7x13
	y := b.Y - 2
	if y < face.Ascent {
		y = b.Y + face.Ascent + 1
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(b.X+1, y),
	}
	d.DrawString(text)
}
