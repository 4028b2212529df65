package detections

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Tutortoise/symbol-reader-service/models"
)

// ConfidenceSource selects the per-box score averaged into the run confidence.
type ConfidenceSource int

const (
	ConfidenceDetector ConfidenceSource = iota
	ConfidenceClassifier
)

func (c ConfidenceSource) String() string {
	if c == ConfidenceClassifier {
		return "classifier"
	}
	return "detector"
}

func ParseConfidenceSource(s string) (ConfidenceSource, error) {
	switch s {
	case "", "detector":
		return ConfidenceDetector, nil
	case "classifier":
		return ConfidenceClassifier, nil
	}
	return ConfidenceDetector, fmt.Errorf("unknown confidence source %q", s)
}

// ClassifierOutput is the classifier result for one box, in box order.
type ClassifierOutput struct {
	Scores []float32
	Err    error
}

// Aggregator merges detections and classifier outputs into a read result.
type Aggregator struct {
	// Labels maps classifier indices to text; numeric labels are used when empty.
	Labels  []string
	Source  ConfidenceSource
	Softmax bool
}

// Argmax returns the index of the largest score, preferring the lowest index
// on ties, or -1 for an empty slice.
func Argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}
	idx := 0
	best := scores[0]
	for i, v := range scores[1:] {
		if v > best {
			best = v
			idx = i + 1
		}
	}
	return idx
}

// Aggregate builds the result in the order of detections, which callers keep
// in reading order. A nil outs means detection-only mode.
func (a Aggregator) Aggregate(detections []models.Detection, outs []ClassifierOutput) models.ReadResult {
	result := models.ReadResult{
		Labels:     []string{},
		Detections: []models.ClassifiedDetection{},
	}

	var total float64
	for i, d := range detections {
		cd := models.ClassifiedDetection{Detection: d}

		if outs == nil {
			cd.LabelIndex = d.ClassID
			cd.Label = strconv.Itoa(d.ClassID)
			cd.Confidence = d.Score
		} else {
			var out ClassifierOutput
			if i < len(outs) {
				out = outs[i]
			} else {
				out.Err = errors.New("no classifier output")
			}
			if out.Err == nil && len(out.Scores) == 0 {
				out.Err = errors.New("empty classifier output")
			}
			if out.Err != nil {
				result.Failures = append(result.Failures, models.BoxFailure{Index: i, Box: d.Box, Error: out.Err.Error()})
				continue
			}
			idx := Argmax(out.Scores)
			cd.LabelIndex = idx
			cd.Label = a.label(idx)
			cd.Confidence = a.confidence(out.Scores, idx)
		}

		score := float64(d.Score)
		if outs != nil && a.Source == ConfidenceClassifier {
			score = float64(cd.Confidence)
		}
		total += score

		result.Labels = append(result.Labels, cd.Label)
		result.Detections = append(result.Detections, cd)
	}

	if n := len(result.Detections); n > 0 {
		result.Confidence = total / float64(n)
	}
	result.Text = strings.Join(result.Labels, "")
	return result
}

func (a Aggregator) label(idx int) string {
	if idx >= 0 && idx < len(a.Labels) {
		return a.Labels[idx]
	}
	return strconv.Itoa(idx)
}

func (a Aggregator) confidence(scores []float32, idx int) float32 {
	if !a.Softmax {
		return scores[idx]
	}
	maxLogit := scores[idx]
	var sum float64
	for _, v := range scores {
		sum += math.Exp(float64(v - maxLogit))
	}
	return float32(1 / sum)
}
