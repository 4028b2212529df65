package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Tutortoise/symbol-reader-service/detections"
	"github.com/Tutortoise/symbol-reader-service/inference"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr      string
	LibPath   string
	HistoryDB string
	Debug     bool
	PoolSize  int

	DetectorModel        string
	DetectorInputName    string
	DetectorOutputName   string
	DetectorInputSize    int
	DetectorNorm         string
	DecodeStrategy       string
	CoordinateSpace      string
	ConfThreshold        float64
	IOUThreshold         float64
	Suppression          string
	ClassifierModel      string
	ClassifierInputName  string
	ClassifierOutputName string
	ClassifierSize       int
	ClassifierChannels   int
	ClassifierNorm       string
	ClassifierSoftmax    bool
	ConfidenceSource     string
	LabelsPath           string
	Binarize             bool
	DetectionOnly        bool
	ClassifyWorkers      int
}

// Load reads the configuration from the environment. The given env files,
// or .env in the working directory, are applied first when present;
// variables already set take precedence over them.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{
		Addr:      getEnv("ADDR", "127.0.0.1:8080"),
		LibPath:   getEnv("ORT_LIB_PATH", inference.DefaultLibraryPath()),
		HistoryDB: getEnv("HISTORY_DB", ""),
		Debug:     getEnvAsBool("DEBUG", false),
		PoolSize:  getEnvAsInt("POOL_SIZE", inference.DefaultPoolSize),

		DetectorModel:        getEnv("DETECTOR_MODEL", filepath.Join(".", "models", "detector.onnx")),
		DetectorInputName:    getEnv("DETECTOR_INPUT_NAME", "images"),
		DetectorOutputName:   getEnv("DETECTOR_OUTPUT_NAME", "output0"),
		DetectorInputSize:    getEnvAsInt("DETECTOR_INPUT_SIZE", detections.DefaultInputWidth),
		DetectorNorm:         getEnv("DETECTOR_NORM", "divide"),
		DecodeStrategy:       getEnv("DECODE_STRATEGY", "auto"),
		CoordinateSpace:      getEnv("COORDINATE_SPACE", "input"),
		ConfThreshold:        getEnvAsFloat("CONF_THRESHOLD", detections.DefaultConfThreshold),
		IOUThreshold:         getEnvAsFloat("IOU_THRESHOLD", detections.DefaultIOUThreshold),
		Suppression:          getEnv("SUPPRESSION", "iou"),
		ClassifierModel:      getEnv("CLASSIFIER_MODEL", filepath.Join(".", "models", "classifier.onnx")),
		ClassifierInputName:  getEnv("CLASSIFIER_INPUT_NAME", "input"),
		ClassifierOutputName: getEnv("CLASSIFIER_OUTPUT_NAME", "output"),
		ClassifierSize:       getEnvAsInt("CLASSIFIER_SIZE", detections.DefaultClassifierSize),
		ClassifierChannels:   getEnvAsInt("CLASSIFIER_CHANNELS", 1),
		ClassifierNorm:       getEnv("CLASSIFIER_NORM", "divide"),
		ClassifierSoftmax:    getEnvAsBool("CLASSIFIER_SOFTMAX", false),
		ConfidenceSource:     getEnv("CONFIDENCE_SOURCE", "detector"),
		LabelsPath:           getEnv("LABELS_PATH", ""),
		Binarize:             getEnvAsBool("BINARIZE", false),
		DetectionOnly:        getEnvAsBool("DETECTION_ONLY", false),
		ClassifyWorkers:      getEnvAsInt("CLASSIFY_WORKERS", detections.DefaultWorkers),
	}

	if _, err := cfg.PipelineConfig(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PipelineConfig converts the settings into a detections.Config, rejecting
// unknown enumeration values.
func (c *Config) PipelineConfig(labels []string) (detections.Config, error) {
	pc := detections.DefaultConfig()

	var err error
	if pc.DetectorNorm, err = detections.ParseNormalization(c.DetectorNorm); err != nil {
		return pc, fmt.Errorf("DETECTOR_NORM: %w", err)
	}
	if pc.ClassifierNorm, err = detections.ParseNormalization(c.ClassifierNorm); err != nil {
		return pc, fmt.Errorf("CLASSIFIER_NORM: %w", err)
	}
	if pc.Strategy, err = detections.ParseDecodeStrategy(c.DecodeStrategy); err != nil {
		return pc, fmt.Errorf("DECODE_STRATEGY: %w", err)
	}
	if pc.Space, err = detections.ParseCoordinateSpace(c.CoordinateSpace); err != nil {
		return pc, fmt.Errorf("COORDINATE_SPACE: %w", err)
	}
	if pc.Suppression, err = detections.ParseSuppressionMethod(c.Suppression); err != nil {
		return pc, fmt.Errorf("SUPPRESSION: %w", err)
	}
	source, err := detections.ParseConfidenceSource(c.ConfidenceSource)
	if err != nil {
		return pc, fmt.Errorf("CONFIDENCE_SOURCE: %w", err)
	}
	if c.ClassifierChannels != 1 && c.ClassifierChannels != 3 {
		return pc, fmt.Errorf("CLASSIFIER_CHANNELS: must be 1 or 3, got %d", c.ClassifierChannels)
	}

	if c.DetectorInputSize > 0 {
		pc.InputWidth, pc.InputHeight = c.DetectorInputSize, c.DetectorInputSize
	}
	if c.ClassifierSize > 0 {
		pc.ClassifierSize = c.ClassifierSize
	}
	pc.ClassifierChannels = c.ClassifierChannels
	pc.DetectorInputName = c.DetectorInputName
	pc.DetectorOutputName = c.DetectorOutputName
	pc.ClassifierInputName = c.ClassifierInputName
	pc.ClassifierOutputName = c.ClassifierOutputName
	pc.ConfThreshold = float32(c.ConfThreshold)
	pc.IOUThreshold = c.IOUThreshold
	pc.Binarize = c.Binarize
	pc.DetectionOnly = c.DetectionOnly
	pc.Workers = c.ClassifyWorkers
	pc.Aggregator = detections.Aggregator{
		Labels:  labels,
		Source:  source,
		Softmax: c.ClassifierSoftmax,
	}
	return pc, nil
}

// LoadLabels reads one label per line. An empty path means numeric labels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels file %s: %w", path, err)
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		labels = append(labels, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}
	return labels, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
