package detections

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Tutortoise/symbol-reader-service/models"
)

func det(x, y, w, h int, score float32) models.Detection {
	return models.Detection{Box: models.Box{X: x, Y: y, Width: w, Height: h}, Score: score}
}

func TestIOU(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Box
		want float64
	}{
		{"identical", models.Box{X: 3, Y: 4, Width: 10, Height: 7}, models.Box{X: 3, Y: 4, Width: 10, Height: 7}, 1},
		{"disjoint", models.Box{X: 0, Y: 0, Width: 10, Height: 10}, models.Box{X: 20, Y: 20, Width: 5, Height: 5}, 0},
		{"touching edges", models.Box{X: 0, Y: 0, Width: 10, Height: 10}, models.Box{X: 10, Y: 0, Width: 10, Height: 10}, 0},
		{"half overlap", models.Box{X: 0, Y: 0, Width: 10, Height: 10}, models.Box{X: 0, Y: 0, Width: 10, Height: 5}, 0.5},
		{"shifted", models.Box{X: 0, Y: 0, Width: 10, Height: 10}, models.Box{X: 5, Y: 0, Width: 10, Height: 10}, 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IOU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IOU = %v, want %v", got, tt.want)
			}
			if got := IOU(tt.b, tt.a); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IOU not symmetric: %v", got)
			}
		})
	}
}

func TestSuppressKeepsHigherScore(t *testing.T) {
	in := []models.Detection{
		det(0, 0, 10, 5, 0.8),
		det(0, 0, 10, 10, 0.9),
	}
	got := Suppress(in, 0.3)
	if len(got) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(got))
	}
	if got[0].Score != 0.9 {
		t.Errorf("kept score %v, want 0.9", got[0].Score)
	}
}

func TestSuppressReadingOrder(t *testing.T) {
	in := []models.Detection{
		det(50, 0, 10, 10, 0.7),
		det(10, 0, 10, 10, 0.6),
		det(30, 0, 10, 10, 0.9),
	}
	got := Suppress(in, 0.45)
	if len(got) != 3 {
		t.Fatalf("expected 3 detections, got %d", len(got))
	}
	for i, x := range []int{10, 30, 50} {
		if got[i].Box.X != x {
			t.Errorf("position %d has x=%d, want %d", i, got[i].Box.X, x)
		}
	}
	if in[0].Box.X != 50 {
		t.Error("Suppress reordered its input")
	}
}

func TestSuppressDropsAtThreshold(t *testing.T) {
	// IOU is exactly 0.5.
	in := []models.Detection{det(0, 0, 10, 10, 0.9), det(0, 0, 10, 5, 0.8)}
	if got := Suppress(in, 0.5); len(got) != 1 {
		t.Errorf("expected the overlap at the threshold to be dropped, got %d boxes", len(got))
	}
	if got := Suppress(in, 0.51); len(got) != 2 {
		t.Errorf("expected both boxes below the threshold, got %d", len(got))
	}
}

func TestSuppressProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var in []models.Detection
		for i := 0; i < 40; i++ {
			in = append(in, det(rng.Intn(100), rng.Intn(30), 5+rng.Intn(20), 5+rng.Intn(20), rng.Float32()))
		}
		threshold := 0.2 + rng.Float64()*0.5
		got := Suppress(in, threshold)
		if len(got) == 0 {
			t.Fatal("suppression removed everything")
		}
		for i := range got {
			if i > 0 && got[i-1].Box.X > got[i].Box.X {
				t.Fatalf("round %d: not in reading order at %d", round, i)
			}
			for j := i + 1; j < len(got); j++ {
				if iou := IOU(got[i].Box, got[j].Box); iou >= threshold {
					t.Fatalf("round %d: boxes %d and %d overlap with IOU %.3f >= %.3f", round, i, j, iou, threshold)
				}
			}
		}
	}
}

func TestSuppressEmpty(t *testing.T) {
	if got := Suppress(nil, 0.45); len(got) != 0 {
		t.Errorf("expected no detections, got %+v", got)
	}
	if got := SuppressByCenter(nil); len(got) != 0 {
		t.Errorf("expected no detections, got %+v", got)
	}
}

func TestSuppressByCenter(t *testing.T) {
	in := []models.Detection{
		det(0, 0, 10, 10, 0.9),
		// center 7 vs 5: within half of the smaller width, dropped
		det(2, 40, 10, 10, 0.8),
		// center 17 vs 5: kept
		det(12, 0, 10, 10, 0.7),
	}
	got := SuppressByCenter(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 detections, got %d: %+v", len(got), got)
	}
	if got[0].Box.X != 0 || got[1].Box.X != 12 {
		t.Errorf("unexpected boxes %+v", got)
	}

	// Vertically offset boxes are not overlapping but still suppressed.
	if n := len(Suppress(in[:2], 0.45)); n != 2 {
		t.Errorf("IOU suppression should keep both offset boxes, kept %d", n)
	}
}

func TestSuppressionMethodApply(t *testing.T) {
	in := []models.Detection{det(0, 0, 10, 10, 0.9), det(2, 40, 10, 10, 0.8)}
	if n := len(SuppressIOU.Apply(in, 0.45)); n != 2 {
		t.Errorf("iou kept %d, want 2", n)
	}
	if n := len(SuppressCenter.Apply(in, 0.45)); n != 1 {
		t.Errorf("center kept %d, want 1", n)
	}
	if m, err := ParseSuppressionMethod("center"); err != nil || m != SuppressCenter {
		t.Errorf("ParseSuppressionMethod(center) = %v, %v", m, err)
	}
}
