package models

import "time"

// Box is an axis-aligned rectangle in original-image pixel space.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (b Box) Right() int { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge.
func (b Box) Bottom() int { return b.Y + b.Height }

// Area returns width*height, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return float64(b.Width) * float64(b.Height)
}

// CenterX returns the horizontal center of the box.
func (b Box) CenterX() float64 { return float64(b.X) + float64(b.Width)/2 }

type Detection struct {
	Box     Box     `json:"box"`
	Score   float32 `json:"score"`
	ClassID int     `json:"class_id"`
	// HasClass is false for layouts that carry no class information.
	HasClass bool `json:"-"`
}

type ClassifiedDetection struct {
	Detection
	Label      string  `json:"label"`
	LabelIndex int     `json:"label_index"`
	Confidence float32 `json:"confidence"`
}

// BoxFailure records a per-box classification failure.
type BoxFailure struct {
	Index int    `json:"index"`
	Box   Box    `json:"box"`
	Error string `json:"error"`
}

type ReadResult struct {
	Labels     []string              `json:"labels"`
	Text       string                `json:"text"`
	Confidence float64               `json:"confidence"`
	Detections []ClassifiedDetection `json:"detections"`
	Failures   []BoxFailure          `json:"failures,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Classify    time.Duration
	Total       time.Duration
}

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	BoxCount   int       `json:"box_count"`
	Failures   int       `json:"failures"`
	Error      string    `json:"error,omitempty"`
	Duration   int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
