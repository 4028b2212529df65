package detections

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/Tutortoise/symbol-reader-service/models"
)

func anchorRow() []float32 {
	row := []float32{0.5, 0.5, 0.2, 0.2, 0.9}
	for c := 0; c < 10; c++ {
		score := float32(0.1)
		if c == 3 {
			score = 0.9
		}
		row = append(row, score)
	}
	return row
}

func TestDecodeAnchorNormalized(t *testing.T) {
	d := Decoder{Strategy: StrategyAuto, Space: SpaceNormalized}
	raw := RawOutput{Dims: []int64{1, 1, 15}, Data: anchorRow()}

	dets, err := d.Decode(raw, 100, 100, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	got := dets[0]
	if got.ClassID != 3 {
		t.Errorf("class = %d, want 3", got.ClassID)
	}
	if math.Abs(float64(got.Score)-0.81) > 1e-5 {
		t.Errorf("score = %v, want 0.81", got.Score)
	}
	want := models.Box{X: 40, Y: 40, Width: 20, Height: 20}
	if got.Box != want {
		t.Errorf("box = %+v, want %+v", got.Box, want)
	}
}

func TestDecodeAnchorInputSpace(t *testing.T) {
	row := anchorRow()
	row[0], row[1], row[2], row[3] = 320, 320, 128, 64
	d := Decoder{Strategy: StrategyAnchor, Space: SpaceInput, InputWidth: 640, InputHeight: 640}

	dets, err := d.Decode(RawOutput{Dims: []int64{1, 15}, Data: row}, 1280, 320, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}
	want := models.Box{X: 512, Y: 144, Width: 256, Height: 32}
	if dets[0].Box != want {
		t.Errorf("box = %+v, want %+v", dets[0].Box, want)
	}
}

func TestDecodeCorner(t *testing.T) {
	d := Decoder{Space: SpaceImage}
	raw := RawOutput{Dims: []int64{1, 6}, Data: []float32{10, 10, 50, 50, 0.75, 2}}

	dets, err := d.Decode(raw, 100, 100, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []models.Detection{{
		Box:      models.Box{X: 10, Y: 10, Width: 40, Height: 40},
		Score:    0.75,
		ClassID:  2,
		HasClass: true,
	}}
	if !reflect.DeepEqual(dets, want) {
		t.Errorf("got %+v, want %+v", dets, want)
	}
}

func TestDecodeDropsBoxesOutsideImage(t *testing.T) {
	tests := []struct {
		name string
		row  []float32
	}{
		{"right of image", []float32{150, 10, 200, 50, 0.9, 1}},
		{"above image", []float32{10, -80, 50, -40, 0.9, 2}},
		{"touching right edge", []float32{100, 10, 120, 50, 0.9, 3}},
		{"inverted", []float32{50, 50, 10, 10, 0.9, 4}},
		{"zero width", []float32{30, 10, 30, 50, 0.9, 5}},
	}
	d := Decoder{Strategy: StrategyCorner, Space: SpaceImage}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets, err := d.Decode(RawOutput{Dims: []int64{1, 6}, Data: tt.row}, 100, 100, 0.5)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(dets) != 0 {
				t.Errorf("expected no detections, got %+v", dets)
			}
		})
	}
}

func TestDecodeClampsOverhangingBox(t *testing.T) {
	d := Decoder{Strategy: StrategyCorner, Space: SpaceImage}
	raw := RawOutput{Dims: []int64{1, 6}, Data: []float32{90, -20, 130, 30, 0.9, 1}}

	dets, err := d.Decode(raw, 100, 100, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := models.Box{X: 90, Y: 0, Width: 10, Height: 30}
	if len(dets) != 1 || dets[0].Box != want {
		t.Errorf("got %+v, want one box %+v", dets, want)
	}
}

func TestDecodeTransposedMatchesAnchor(t *testing.T) {
	// Eight boxes with two classes; anchor rows carry obj=1 so the scores agree.
	const n = 8
	boxes := make([][]float32, n)
	for i := range boxes {
		boxes[i] = []float32{float32(10 + 10*i), 50, 6, 8, 0.1*float32(i%5) + 0.3, 0.5}
	}
	var anchor []float32
	for _, b := range boxes {
		anchor = append(anchor, b[0], b[1], b[2], b[3], 1, b[4], b[5])
	}
	transposed := make([]float32, 6*n)
	for i, b := range boxes {
		for k, v := range b {
			transposed[k*n+i] = v
		}
	}

	d := Decoder{Space: SpaceImage}
	fromAnchor, err := d.Decode(RawOutput{Dims: []int64{1, n, 7}, Data: anchor}, 100, 100, 0.3)
	if err != nil {
		t.Fatalf("anchor decode failed: %v", err)
	}
	fromTransposed, err := d.Decode(RawOutput{Dims: []int64{1, 6, n}, Data: transposed}, 100, 100, 0.3)
	if err != nil {
		t.Fatalf("transposed decode failed: %v", err)
	}
	if len(fromAnchor) != n {
		t.Fatalf("expected %d detections, got %d", n, len(fromAnchor))
	}
	if !reflect.DeepEqual(fromAnchor, fromTransposed) {
		t.Errorf("layouts disagree:\nanchor     %+v\ntransposed %+v", fromAnchor, fromTransposed)
	}
}

func TestDecodeThreshold(t *testing.T) {
	d := Decoder{Space: SpaceImage}
	raw := RawOutput{Dims: []int64{3, 6}, Data: []float32{
		0, 0, 10, 10, 0.49, 0,
		0, 0, 10, 10, 0.5, 1,
		0, 0, 10, 10, float32(math.NaN()), 2,
	}}
	dets, err := d.Decode(raw, 20, 20, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dets) != 1 || dets[0].ClassID != 1 {
		t.Errorf("expected only the 0.5 candidate, got %+v", dets)
	}
}

func TestDecodeUnsupportedLayout(t *testing.T) {
	tests := []struct {
		name     string
		strategy DecodeStrategy
		raw      RawOutput
	}{
		{"rank 1", StrategyAuto, RawOutput{Dims: []int64{6}, Data: make([]float32, 6)}},
		{"rank 4", StrategyAuto, RawOutput{Dims: []int64{1, 1, 1, 6}, Data: make([]float32, 6)}},
		{"narrow rows", StrategyAuto, RawOutput{Dims: []int64{2, 5}, Data: make([]float32, 10)}},
		{"data mismatch", StrategyAuto, RawOutput{Dims: []int64{2, 6}, Data: make([]float32, 6)}},
		{"batch of two", StrategyAuto, RawOutput{Dims: []int64{2, 1, 6}, Data: make([]float32, 12)}},
		{"transposed rank 2", StrategyTransposed, RawOutput{Dims: []int64{6, 10}, Data: make([]float32, 60)}},
		{"anchor too narrow", StrategyAnchor, RawOutput{Dims: []int64{1, 5}, Data: make([]float32, 5)}},
	}
	d := Decoder{Space: SpaceImage}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Strategy = tt.strategy
			dets, err := d.Decode(tt.raw, 10, 10, 0.5)
			var layoutErr *UnsupportedOutputLayoutError
			if !errors.As(err, &layoutErr) {
				t.Fatalf("expected UnsupportedOutputLayoutError, got %v", err)
			}
			if dets != nil {
				t.Errorf("expected no detections, got %+v", dets)
			}
		})
	}
}

func TestDecodeInputSpaceNeedsInputSize(t *testing.T) {
	d := Decoder{Space: SpaceInput}
	_, err := d.Decode(RawOutput{Dims: []int64{1, 6}, Data: []float32{0, 0, 1, 1, 1, 0}}, 10, 10, 0.5)
	if err == nil {
		t.Fatal("expected an error without detector input size")
	}
}

func TestDecodeIsPure(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]float32, 50*7)
	for i := range data {
		data[i] = rng.Float32()
	}
	raw := RawOutput{Dims: []int64{50, 7}, Data: data}
	before := append([]float32(nil), data...)

	d := Decoder{Space: SpaceNormalized}
	first, err := d.Decode(raw, 64, 48, 0.2)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	second, _ := d.Decode(raw, 64, 48, 0.2)
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated decode produced different output")
	}
	if !reflect.DeepEqual(data, before) {
		t.Error("decode modified its input")
	}
}

func TestDecodeBoxesStayInsideImage(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const n = 200
	data := make([]float32, n*6)
	for i := 0; i < n; i++ {
		row := data[i*6 : i*6+6]
		row[0] = rng.Float32()*300 - 100
		row[1] = rng.Float32()*300 - 100
		row[2] = row[0] + rng.Float32()*200 - 50
		row[3] = row[1] + rng.Float32()*200 - 50
		row[4] = 1
	}
	d := Decoder{Strategy: StrategyCorner, Space: SpaceImage}
	const w, h = 97, 61
	want := 0
	for i := 0; i < n; i++ {
		x1, y1, x2, y2 := data[i*6], data[i*6+1], data[i*6+2], data[i*6+3]
		if x2 > x1 && y2 > y1 && x2 > 0 && y2 > 0 && x1 < w && y1 < h {
			want++
		}
	}
	dets, err := d.Decode(RawOutput{Dims: []int64{n, 6}, Data: data}, w, h, 0.5)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dets) != want {
		t.Fatalf("expected %d detections, got %d", want, len(dets))
	}
	for i, det := range dets {
		b := det.Box
		if b.X < 0 || b.Y < 0 || b.Right() > w || b.Bottom() > h || b.Width < 1 || b.Height < 1 {
			t.Errorf("detection %d box %+v escapes %dx%d", i, b, w, h)
		}
	}
}

func TestParseDecodeStrategy(t *testing.T) {
	for _, s := range []DecodeStrategy{StrategyAuto, StrategyAnchor, StrategyCorner, StrategyTransposed} {
		got, err := ParseDecodeStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseDecodeStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseDecodeStrategy("yolo"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if _, err := ParseCoordinateSpace("pixels"); err == nil {
		t.Error("expected error for unknown coordinate space")
	}
}
