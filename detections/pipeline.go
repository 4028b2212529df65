package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/sirupsen/logrus"
)

// Config holds everything a Pipeline needs besides the models.
type Config struct {
	InputWidth         int
	InputHeight        int
	DetectorNorm       Normalization
	DetectorInputName  string
	DetectorOutputName string

	Strategy      DecodeStrategy
	Space         CoordinateSpace
	ConfThreshold float32
	IOUThreshold  float64
	Suppression   SuppressionMethod

	ClassifierSize       int
	ClassifierChannels   int
	ClassifierNorm       Normalization
	ClassifierInputName  string
	ClassifierOutputName string

	Binarize      bool
	DetectionOnly bool
	Workers       int
	RetryAttempts int

	Aggregator Aggregator
}

func DefaultConfig() Config {
	return Config{
		InputWidth:           DefaultInputWidth,
		InputHeight:          DefaultInputHeight,
		DetectorNorm:         DivideBy255(),
		DetectorInputName:    "images",
		DetectorOutputName:   "output0",
		Strategy:             StrategyAuto,
		Space:                SpaceInput,
		ConfThreshold:        DefaultConfThreshold,
		IOUThreshold:         DefaultIOUThreshold,
		Suppression:          SuppressIOU,
		ClassifierSize:       DefaultClassifierSize,
		ClassifierChannels:   1,
		ClassifierNorm:       DivideBy255(),
		ClassifierInputName:  "input",
		ClassifierOutputName: "output",
		Workers:              DefaultWorkers,
		RetryAttempts:        RetryAttempts,
	}
}

// Pipeline implements detection, suppression, cropping and classification.
// It is stateless and safe for concurrent use.
type Pipeline struct {
	cfg     Config
	pre     *Preprocessor
	decoder Decoder
	log     logrus.FieldLogger
}

func NewPipeline(cfg Config, log logrus.FieldLogger) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		cfg: cfg,
		pre: NewPreprocessor(),
		decoder: Decoder{
			Strategy:    cfg.Strategy,
			Space:       cfg.Space,
			InputWidth:  cfg.InputWidth,
			InputHeight: cfg.InputHeight,
		},
		log: log,
	}
}

func (p *Pipeline) Config() Config { return p.cfg }

// Detect runs the detector on img and returns suppressed detections in
// reading order. An unrecognized output layout is logged and reported as a
// warning with no detections.
func (p *Pipeline) Detect(ctx context.Context, detector Engine, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, []string, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	bounds := img.Bounds()

	prepStart := time.Now()
	input, err := p.pre.Prepare(img, p.cfg.InputWidth, p.cfg.InputHeight, p.cfg.DetectorNorm)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare detector input: %w", err)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	outputs, err := p.runWithRetry(ctx, detector, map[string]Tensor{p.cfg.DetectorInputName: input})
	if err != nil {
		return nil, nil, &InferenceError{Index: -1, Cause: err}
	}
	output, err := pickOutput(outputs, p.cfg.DetectorOutputName)
	if err != nil {
		return nil, nil, &InferenceError{Index: -1, Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	defer func() { timings.Postprocess = time.Since(postStart) }()

	candidates, err := p.decoder.Decode(RawFromTensor(output), bounds.Dx(), bounds.Dy(), p.cfg.ConfThreshold)
	var layoutErr *UnsupportedOutputLayoutError
	if errors.As(err, &layoutErr) {
		p.log.WithFields(logrus.Fields{
			"dims":     layoutErr.Dims,
			"strategy": layoutErr.Strategy.String(),
		}).WithError(err).Warn("detector output not decoded")
		return nil, []string{err.Error()}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("decode detector output: %w", err)
	}

	kept := p.cfg.Suppression.Apply(candidates, p.cfg.IOUThreshold)
	p.log.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"kept":       len(kept),
	}).Debug("detections decoded")
	return kept, nil, nil
}

// Classify classifies every box with a bounded worker pool. The outputs are
// indexed like detections regardless of completion order; a failed box gets
// an output with Err set and does not stop the others.
func (p *Pipeline) Classify(ctx context.Context, classifier Engine, img image.Image, detections []models.Detection, binarize bool) []ClassifierOutput {
	outs := make([]ClassifierOutput, len(detections))
	if len(detections) == 0 {
		return outs
	}

	numWorkers := min(p.cfg.Workers, len(detections))
	jobs := make(chan int, len(detections))
	done := make(chan struct{})

	for w := 0; w < numWorkers; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := range jobs {
				outs[i] = p.classifyOne(ctx, classifier, img, i, detections[i], binarize)
			}
		}()
	}

	for i := range detections {
		jobs <- i
	}
	close(jobs)
	for w := 0; w < numWorkers; w++ {
		<-done
	}

	return outs
}

func (p *Pipeline) classifyOne(ctx context.Context, classifier Engine, img image.Image, index int, det models.Detection, binarize bool) ClassifierOutput {
	fail := func(err error) ClassifierOutput {
		err = &InferenceError{Index: index, Cause: err}
		p.log.WithFields(logrus.Fields{
			"box":   index,
			"x":     det.Box.X,
			"width": det.Box.Width,
		}).WithError(err).Warn("box skipped")
		return ClassifierOutput{Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	var crop image.Image = Extract(img, det.Box)
	if binarize {
		crop = Binarize(crop)
	}
	input, err := p.pre.PrepareClassification(crop, p.cfg.ClassifierSize, p.cfg.ClassifierChannels, p.cfg.ClassifierNorm)
	if err != nil {
		return fail(err)
	}

	outputs, err := classifier.Run(ctx, map[string]Tensor{p.cfg.ClassifierInputName: input})
	if err != nil {
		return fail(err)
	}
	output, err := pickOutput(outputs, p.cfg.ClassifierOutputName)
	if err != nil {
		return fail(err)
	}
	return ClassifierOutput{Scores: output.Data}
}

func (p *Pipeline) runWithRetry(ctx context.Context, engine Engine, inputs map[string]Tensor) (map[string]Tensor, error) {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outputs, err := engine.Run(ctx, inputs)
		if err == nil {
			return outputs, nil
		}
		lastErr = err
		p.log.WithField("attempt", attempt).WithError(err).Warn("detector inference failed")

		if attempt < p.cfg.RetryAttempts {
			select {
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// pickOutput looks an output up by name. Without a configured name the
// engine must return exactly one output.
func pickOutput(outputs map[string]Tensor, name string) (Tensor, error) {
	if name != "" {
		t, ok := outputs[name]
		if !ok {
			return Tensor{}, fmt.Errorf("model has no output %q", name)
		}
		return t, nil
	}
	if len(outputs) != 1 {
		return Tensor{}, fmt.Errorf("output name required: model returned %d outputs", len(outputs))
	}
	for _, t := range outputs {
		return t, nil
	}
	return Tensor{}, errors.New("no outputs")
}
