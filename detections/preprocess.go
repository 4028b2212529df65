package detections

import (
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor turns images into batch-of-one CHW tensors.
//
// Images are stretched to the target size without preserving aspect ratio;
// there is no letterboxing. Detector coordinates are mapped back with
// independent x and y scale factors for the same reason.
type Preprocessor struct {
	numWorkers int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{numWorkers: runtime.GOMAXPROCS(0)}
}

// Prepare resizes img to width x height and returns a [1,3,height,width] tensor.
func (p *Preprocessor) Prepare(img image.Image, width, height int, norm Normalization) (Tensor, error) {
	return p.PrepareChannels(img, width, height, 3, norm)
}

// PrepareChannels is Prepare with a configurable channel count. With one
// channel only the red plane is kept, which equals luma for binarized input.
func (p *Preprocessor) PrepareChannels(img image.Image, width, height, channels int, norm Normalization) (Tensor, error) {
	if width < 1 || height < 1 {
		return Tensor{}, fmt.Errorf("target size %dx%d must be positive", width, height)
	}
	if channels != 1 && channels != 3 {
		return Tensor{}, fmt.Errorf("unsupported channel count %d", channels)
	}

	resized := imaging.Resize(nonEmpty(img), width, height, imaging.Linear)
	buffer := make([]float32, channels*width*height)
	p.processParallel(resized, buffer, width, height, channels, norm)

	return Tensor{
		Shape:  []int64{1, int64(channels), int64(height), int64(width)},
		Data:   buffer,
		Layout: LayoutCHW,
	}, nil
}

// PrepareClassification stretches a crop to the classifier's square input.
func (p *Preprocessor) PrepareClassification(crop image.Image, size, channels int, norm Normalization) (Tensor, error) {
	return p.PrepareChannels(crop, size, size, channels, norm)
}

// nonEmpty replaces a zero-width or zero-height raster with a 1x1 one.
func nonEmpty(img image.Image) image.Image {
	if img == nil {
		return imaging.New(1, 1, color.Black)
	}
	b := img.Bounds()
	if b.Dx() >= 1 && b.Dy() >= 1 {
		return img
	}
	return imaging.New(max(b.Dx(), 1), max(b.Dy(), 1), color.Black)
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32, width, height, channels int, norm Normalization) {
	channelSize := width * height
	numWorkers := max(min(p.numWorkers, height), 1)
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					px := src[x*4 : x*4+3]
					for c := 0; c < channels; c++ {
						buffer[c*channelSize+i] = norm.apply(px[c], c)
					}
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
