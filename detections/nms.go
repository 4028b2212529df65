package detections

import (
	"fmt"
	"math"
	"sort"

	"github.com/Tutortoise/symbol-reader-service/models"
)

// SuppressionMethod selects how duplicate boxes are removed.
type SuppressionMethod int

const (
	// SuppressIOU is greedy IOU non-maximum suppression.
	SuppressIOU SuppressionMethod = iota
	// SuppressCenter keeps a box only if its horizontal center is far enough
	// from every kept box. It is an approximation for single-line input.
	SuppressCenter
)

func (m SuppressionMethod) String() string {
	if m == SuppressCenter {
		return "center"
	}
	return "iou"
}

func ParseSuppressionMethod(s string) (SuppressionMethod, error) {
	switch s {
	case "", "iou":
		return SuppressIOU, nil
	case "center":
		return SuppressCenter, nil
	}
	return SuppressIOU, fmt.Errorf("unknown suppression method %q", s)
}

// IOU is the intersection area over the union area of two boxes.
func IOU(a, b models.Box) float64 {
	ix1 := max(a.X, b.X)
	iy1 := max(a.Y, b.Y)
	ix2 := min(a.Right(), b.Right())
	iy2 := min(a.Bottom(), b.Bottom())

	iw := max(0, ix2-ix1)
	ih := max(0, iy2-iy1)
	inter := float64(iw) * float64(ih)

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress runs greedy NMS and returns the kept detections sorted by x.
// A candidate is dropped when its IOU with a kept box reaches iouThreshold,
// so no two results overlap at or above the threshold.
func Suppress(detections []models.Detection, iouThreshold float64) []models.Detection {
	if len(detections) == 0 {
		return nil
	}
	boxes := sortedByScore(detections)

	var result []models.Detection
	for len(boxes) > 0 {
		current := boxes[0]
		result = append(result, current)
		boxes = boxes[1:]

		remaining := boxes[:0]
		for _, b := range boxes {
			if IOU(current.Box, b.Box) < iouThreshold {
				remaining = append(remaining, b)
			}
		}
		boxes = remaining
	}

	sortByReadingOrder(result)
	return result
}

// SuppressByCenter is the cheaper fallback: highest scores first, a box is
// kept when its center x differs from every kept center by more than half
// the smaller of the two widths. It can over-suppress wide/narrow pairs and
// under-suppress vertically offset boxes.
func SuppressByCenter(detections []models.Detection) []models.Detection {
	if len(detections) == 0 {
		return nil
	}
	var result []models.Detection
	for _, d := range sortedByScore(detections) {
		keep := true
		for _, k := range result {
			limit := float64(min(d.Box.Width, k.Box.Width)) / 2
			if math.Abs(d.Box.CenterX()-k.Box.CenterX()) <= limit {
				keep = false
				break
			}
		}
		if keep {
			result = append(result, d)
		}
	}
	sortByReadingOrder(result)
	return result
}

// Apply dispatches to the configured method.
func (m SuppressionMethod) Apply(detections []models.Detection, iouThreshold float64) []models.Detection {
	if m == SuppressCenter {
		return SuppressByCenter(detections)
	}
	return Suppress(detections, iouThreshold)
}

func sortedByScore(detections []models.Detection) []models.Detection {
	boxes := append([]models.Detection(nil), detections...)
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Score > boxes[j].Score
	})
	return boxes
}

func sortByReadingOrder(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Box.X < detections[j].Box.X
	})
}
