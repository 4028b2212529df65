package detections

import (
	"fmt"
	"math"

	"github.com/Tutortoise/symbol-reader-service/models"
)

// DecodeStrategy names a detector output layout.
type DecodeStrategy int

const (
	// StrategyAuto picks a layout from the tensor shape alone.
	StrategyAuto DecodeStrategy = iota
	// StrategyAnchor reads rows of (cx, cy, w, h, obj, class scores...).
	StrategyAnchor
	// StrategyCorner reads rows of (x1, y1, x2, y2, score, class id).
	StrategyCorner
	// StrategyTransposed reads [1, 4+C, N] with each feature strided by N.
	StrategyTransposed
)

func (s DecodeStrategy) String() string {
	switch s {
	case StrategyAnchor:
		return "anchor"
	case StrategyCorner:
		return "corner"
	case StrategyTransposed:
		return "transposed"
	default:
		return "auto"
	}
}

func ParseDecodeStrategy(s string) (DecodeStrategy, error) {
	switch s {
	case "", "auto":
		return StrategyAuto, nil
	case "anchor":
		return StrategyAnchor, nil
	case "corner":
		return StrategyCorner, nil
	case "transposed":
		return StrategyTransposed, nil
	}
	return StrategyAuto, fmt.Errorf("unknown decode strategy %q", s)
}

// CoordinateSpace tells the decoder what unit raw box coordinates are in.
// It is fixed per deployed model and never guessed from the values.
type CoordinateSpace int

const (
	// SpaceInput means pixels of the detector input; scaled by original/input.
	SpaceInput CoordinateSpace = iota
	// SpaceNormalized means 0..1 fractions; multiplied by the original size.
	SpaceNormalized
	// SpaceImage means pixels of the original image; used as is.
	SpaceImage
)

func (s CoordinateSpace) String() string {
	switch s {
	case SpaceNormalized:
		return "normalized"
	case SpaceImage:
		return "image"
	default:
		return "input"
	}
}

func ParseCoordinateSpace(s string) (CoordinateSpace, error) {
	switch s {
	case "", "input":
		return SpaceInput, nil
	case "normalized":
		return SpaceNormalized, nil
	case "image":
		return SpaceImage, nil
	}
	return SpaceInput, fmt.Errorf("unknown coordinate space %q", s)
}

// Decoder turns raw detector output into detections in original-image pixels.
type Decoder struct {
	Strategy    DecodeStrategy
	Space       CoordinateSpace
	InputWidth  int
	InputHeight int
}

// layout is a resolved view over a raw output: n boxes of f features each.
type layout struct {
	strategy DecodeStrategy
	n, f     int
	data     []float32
}

func (l layout) at(i, k int) float32 {
	if l.strategy == StrategyTransposed {
		return l.data[k*l.n+i]
	}
	return l.data[i*l.f+k]
}

// Decode returns the candidates scoring at least threshold, in output order.
// It does not suppress overlaps.
func (d Decoder) Decode(raw RawOutput, imgWidth, imgHeight int, threshold float32) ([]models.Detection, error) {
	if imgWidth < 1 || imgHeight < 1 {
		return nil, &InputValidationError{Reason: fmt.Sprintf("image size %dx%d", imgWidth, imgHeight)}
	}
	l, err := d.resolve(raw)
	if err != nil {
		return nil, err
	}
	sx, sy, err := d.scale(imgWidth, imgHeight)
	if err != nil {
		return nil, err
	}

	var out []models.Detection
	for i := 0; i < l.n; i++ {
		var x1, y1, x2, y2 float64
		var score float32
		var classID int

		switch l.strategy {
		case StrategyCorner:
			x1, y1 = float64(l.at(i, 0)), float64(l.at(i, 1))
			x2, y2 = float64(l.at(i, 2)), float64(l.at(i, 3))
			score = l.at(i, 4)
			classID = int(l.at(i, 5))
		default:
			first := 5
			if l.strategy == StrategyTransposed {
				first = 4
			}
			best := float32(math.Inf(-1))
			for k := first; k < l.f; k++ {
				if v := l.at(i, k); v > best {
					best = v
					classID = k - first
				}
			}
			score = best
			if l.strategy == StrategyAnchor {
				score = l.at(i, 4) * best
			}
			cx, cy := float64(l.at(i, 0)), float64(l.at(i, 1))
			w, h := float64(l.at(i, 2)), float64(l.at(i, 3))
			x1, y1 = cx-w/2, cy-h/2
			x2, y2 = cx+w/2, cy+h/2
		}

		if !(score >= threshold) {
			continue
		}
		box, ok := clipBox(x1*sx, y1*sy, x2*sx, y2*sy, imgWidth, imgHeight)
		if !ok {
			continue
		}
		out = append(out, models.Detection{
			Box:      box,
			Score:    score,
			ClassID:  classID,
			HasClass: true,
		})
	}
	return out, nil
}

func (d Decoder) scale(imgWidth, imgHeight int) (float64, float64, error) {
	switch d.Space {
	case SpaceNormalized:
		return float64(imgWidth), float64(imgHeight), nil
	case SpaceImage:
		return 1, 1, nil
	default:
		if d.InputWidth < 1 || d.InputHeight < 1 {
			return 0, 0, fmt.Errorf("input-space decoding needs a detector input size, got %dx%d", d.InputWidth, d.InputHeight)
		}
		return float64(imgWidth) / float64(d.InputWidth), float64(imgHeight) / float64(d.InputHeight), nil
	}
}

func (d Decoder) resolve(raw RawOutput) (layout, error) {
	dims := raw.Dims
	unsupported := func(reason string) (layout, error) {
		return layout{}, &UnsupportedOutputLayoutError{Dims: dims, Strategy: d.Strategy, Reason: reason}
	}

	if len(dims) != 2 && len(dims) != 3 {
		return unsupported(fmt.Sprintf("rank %d", len(dims)))
	}
	for _, v := range dims {
		if v < 1 {
			return unsupported("non-positive dimension")
		}
	}
	if elementCount(dims) != int64(len(raw.Data)) {
		return unsupported(fmt.Sprintf("%d values for %d elements", len(raw.Data), elementCount(dims)))
	}
	if len(dims) == 3 && dims[0] != 1 {
		return unsupported("batch size must be 1")
	}

	rows, cols := int(dims[len(dims)-2]), int(dims[len(dims)-1])
	strategy := d.Strategy
	if strategy == StrategyAuto {
		switch {
		case len(dims) == 3 && rows >= 5 && rows < cols:
			strategy = StrategyTransposed
		case cols == 6:
			strategy = StrategyCorner
		case cols > 6:
			strategy = StrategyAnchor
		default:
			return unsupported("no layout matches")
		}
	}

	switch strategy {
	case StrategyAnchor:
		if cols < 6 {
			return unsupported("anchor rows need 5 box values and at least one class score")
		}
		return layout{strategy: strategy, n: rows, f: cols, data: raw.Data}, nil
	case StrategyCorner:
		if cols < 6 {
			return unsupported("corner rows need 6 values")
		}
		return layout{strategy: strategy, n: rows, f: cols, data: raw.Data}, nil
	case StrategyTransposed:
		if len(dims) != 3 || rows < 5 {
			return unsupported("transposed output must be [1, 4+C, N]")
		}
		return layout{strategy: strategy, n: cols, f: rows, data: raw.Data}, nil
	}
	return unsupported("unknown strategy")
}

// clipBox rounds corners to whole pixels and clamps them so that the box lies
// inside the image and is at least one pixel wide and high. Inverted boxes and
// boxes that do not overlap the image are rejected.
func clipBox(x1, y1, x2, y2 float64, imgWidth, imgHeight int) (models.Box, bool) {
	for _, v := range [...]float64{x1, y1, x2, y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Box{}, false
		}
	}
	if x2 <= x1 || y2 <= y1 {
		return models.Box{}, false
	}
	if x2 <= 0 || y2 <= 0 || x1 >= float64(imgWidth) || y1 >= float64(imgHeight) {
		return models.Box{}, false
	}
	left := clampInt(roundPixel(x1, imgWidth), 0, imgWidth-1)
	top := clampInt(roundPixel(y1, imgHeight), 0, imgHeight-1)
	right := clampInt(roundPixel(x2, imgWidth), left+1, imgWidth)
	bottom := clampInt(roundPixel(y2, imgHeight), top+1, imgHeight)
	return models.Box{X: left, Y: top, Width: right - left, Height: bottom - top}, true
}

// roundPixel bounds v before converting so huge values cannot overflow int.
func roundPixel(v float64, limit int) int {
	return int(math.Round(math.Max(-1, math.Min(v, float64(limit)+1))))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
