package detections

import (
	"image"
	"image/color"
	"math"

	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/disintegration/imaging"
)

// Extract copies the box out of img. The rectangle is clamped to the image
// and is never smaller than one pixel.
func Extract(img image.Image, box models.Box) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return imaging.New(1, 1, color.Black)
	}
	x0 := clampInt(box.X, 0, b.Dx()-1)
	y0 := clampInt(box.Y, 0, b.Dy()-1)
	x1 := clampInt(box.X+box.Width, x0+1, b.Dx())
	y1 := clampInt(box.Y+box.Height, y0+1, b.Dy())

	rect := image.Rect(x0, y0, x1, y1).Add(b.Min)
	return imaging.Crop(img, rect)
}

// Luma is round(0.299R + 0.587G + 0.114B).
func Luma(r, g, b uint8) uint8 {
	return uint8(math.Round(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)))
}

// LumaHistogram counts pixels per luma value.
func LumaHistogram(img *image.NRGBA) [256]int {
	var hist [256]int
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			hist[Luma(p[0], p[1], p[2])]++
		}
	}
	return hist
}

// OtsuThreshold returns the threshold maximizing between-class variance
// wB*wF*(mB-mF)^2. When several thresholds tie, the middle of the tied run is
// used so that a gap between two modes is split in the middle.
func OtsuThreshold(hist [256]int) int {
	total := 0
	sum := 0.0
	for t, c := range hist {
		total += c
		sum += float64(t) * float64(c)
	}
	if total == 0 {
		return 0
	}

	var sumB, best float64
	wB := 0
	first, last := 0, 0
	found := false
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)

		switch {
		case !found || between > best:
			best = between
			first, last = t, t
			found = true
		case between == best:
			last = t
		}
	}
	return (first + last) / 2
}

// Binarize applies Otsu's method: luma above the threshold becomes white,
// the rest black. Alpha is preserved.
func Binarize(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	threshold := OtsuThreshold(LumaHistogram(src))

	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			v := uint8(0)
			if int(Luma(p[0], p[1], p[2])) > threshold {
				v = 255
			}
			p[0], p[1], p[2] = v, v, v
		}
	}
	return src
}
