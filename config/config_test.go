package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Tutortoise/symbol-reader-service/detections"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.ConfThreshold != 0.5 || cfg.IOUThreshold != 0.45 {
		t.Errorf("thresholds = %v / %v", cfg.ConfThreshold, cfg.IOUThreshold)
	}

	pc, err := cfg.PipelineConfig(nil)
	if err != nil {
		t.Fatalf("PipelineConfig failed: %v", err)
	}
	if pc.InputWidth != 640 || pc.ClassifierSize != 28 || pc.ClassifierChannels != 1 {
		t.Errorf("pipeline sizes = %dx%d / %d / %d", pc.InputWidth, pc.InputHeight, pc.ClassifierSize, pc.ClassifierChannels)
	}
	if pc.Strategy != detections.StrategyAuto || pc.Space != detections.SpaceInput {
		t.Errorf("decoder = %v / %v", pc.Strategy, pc.Space)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DETECTOR_INPUT_SIZE", "416")
	t.Setenv("DECODE_STRATEGY", "transposed")
	t.Setenv("COORDINATE_SPACE", "normalized")
	t.Setenv("CONF_THRESHOLD", "0.6")
	t.Setenv("SUPPRESSION", "center")
	t.Setenv("CLASSIFIER_CHANNELS", "3")
	t.Setenv("CLASSIFIER_NORM", "imagenet")
	t.Setenv("CONFIDENCE_SOURCE", "classifier")
	t.Setenv("BINARIZE", "true")
	t.Setenv("CLASSIFY_WORKERS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	pc, err := cfg.PipelineConfig([]string{"x"})
	if err != nil {
		t.Fatalf("PipelineConfig failed: %v", err)
	}
	if pc.InputWidth != 416 || pc.InputHeight != 416 {
		t.Errorf("input size = %dx%d", pc.InputWidth, pc.InputHeight)
	}
	if pc.Strategy != detections.StrategyTransposed || pc.Space != detections.SpaceNormalized {
		t.Errorf("decoder = %v / %v", pc.Strategy, pc.Space)
	}
	if pc.ConfThreshold != float32(0.6) || pc.Suppression != detections.SuppressCenter {
		t.Errorf("threshold = %v, suppression = %v", pc.ConfThreshold, pc.Suppression)
	}
	if pc.ClassifierChannels != 3 || pc.ClassifierNorm != detections.ImageNet() {
		t.Errorf("classifier input = %d channels, %+v", pc.ClassifierChannels, pc.ClassifierNorm)
	}
	if pc.Aggregator.Source != detections.ConfidenceClassifier || !reflect.DeepEqual(pc.Aggregator.Labels, []string{"x"}) {
		t.Errorf("aggregator = %+v", pc.Aggregator)
	}
	if !pc.Binarize {
		t.Error("binarize not applied")
	}
	if pc.Workers != detections.DefaultWorkers {
		t.Errorf("invalid number should fall back to the default, got %d", pc.Workers)
	}
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	tests := map[string]string{
		"DECODE_STRATEGY":     "ssd",
		"COORDINATE_SPACE":    "pixels",
		"SUPPRESSION":         "soft",
		"DETECTOR_NORM":       "zscore",
		"CONFIDENCE_SOURCE":   "both",
		"CLASSIFIER_CHANNELS": "2",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Errorf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ADDR=0.0.0.0:9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Restore the variable godotenv is about to set.
	t.Setenv("ADDR", "")
	os.Unsetenv("ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q, want value from .env", cfg.Addr)
	}
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("0\r\n1\n+\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	labels, err := LoadLabels(path)
	if err != nil {
		t.Fatalf("LoadLabels failed: %v", err)
	}
	if !reflect.DeepEqual(labels, []string{"0", "1", "+"}) {
		t.Errorf("labels = %q", labels)
	}

	if labels, err := LoadLabels(""); err != nil || labels != nil {
		t.Errorf("empty path = %v, %v", labels, err)
	}
	if _, err := LoadLabels(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}
