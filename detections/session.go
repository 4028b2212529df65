package detections

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/sirupsen/logrus"
)

// RunOption adjusts a single Session.Run call.
type RunOption func(*runOptions)

type runOptions struct {
	binarize   bool
	timings    *models.ProcessingTimings
	generation uint64
}

// WithBinarize overrides the pipeline's binarized-crop setting.
func WithBinarize(on bool) RunOption {
	return func(o *runOptions) { o.binarize = on }
}

// WithTimings collects per-stage durations into t.
func WithTimings(t *models.ProcessingTimings) RunOption {
	return func(o *runOptions) { o.timings = t }
}

// WithGeneration makes the run return ErrStaleRun right away unless gen,
// as returned by LoadImage, is still the current image.
func WithGeneration(gen uint64) RunOption {
	return func(o *runOptions) { o.generation = gen }
}

// Session owns one image and drives runs over it through the states
// Idle, ImageLoaded, Detecting, Detected, Classifying and Done. A failed run
// returns straight to ImageLoaded with the image kept. Error is transient: it
// is only reported in the log entry of the failure, and LastError keeps the
// cause.
//
// Loading a new image invalidates any run in flight: that run returns
// ErrStaleRun instead of a result and no longer touches the session state.
type Session struct {
	pipeline *Pipeline
	models   *Models
	log      logrus.FieldLogger

	mu         sync.Mutex
	img        image.Image
	state      State
	generation uint64
	lastErr    error
}

func NewSession(p *Pipeline, m *Models) *Session {
	return &Session{pipeline: p, models: m, log: p.log, state: StateIdle}
}

// LoadImage makes img the session image and returns its generation.
func (s *Session) LoadImage(img image.Image) (uint64, error) {
	if img == nil {
		return 0, &InputValidationError{Reason: "nil image"}
	}
	if b := img.Bounds(); b.Dx() < 1 || b.Dy() < 1 {
		return 0, &InputValidationError{Reason: fmt.Sprintf("empty image %dx%d", b.Dx(), b.Dy())}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = img
	s.generation++
	s.state = StateImageLoaded
	s.lastErr = nil
	return s.generation, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError is the error of the most recent failed run on the current image.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Run executes the pipeline on the current image. Validation failures are
// returned before any state changes.
func (s *Session) Run(ctx context.Context, opts ...RunOption) (models.ReadResult, error) {
	cfg := s.pipeline.cfg
	o := runOptions{binarize: cfg.Binarize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timings == nil {
		o.timings = &models.ProcessingTimings{}
	}

	s.mu.Lock()
	if o.generation != 0 && o.generation != s.generation {
		s.mu.Unlock()
		return models.ReadResult{}, ErrStaleRun
	}
	if s.img == nil {
		s.mu.Unlock()
		return models.ReadResult{}, &InputValidationError{Reason: "no image loaded"}
	}
	if s.state.running() {
		s.mu.Unlock()
		return models.ReadResult{}, &InputValidationError{Reason: "a run is already in progress"}
	}
	detector, err := s.models.Get(RoleDetector)
	if err != nil {
		s.mu.Unlock()
		return models.ReadResult{}, err
	}
	var classifier Engine
	if !cfg.DetectionOnly {
		if classifier, err = s.models.Get(RoleClassifier); err != nil {
			s.mu.Unlock()
			return models.ReadResult{}, err
		}
	}
	gen, img := s.generation, s.img
	s.state = StateDetecting
	s.mu.Unlock()

	start := time.Now()
	detections, warnings, err := s.pipeline.Detect(ctx, detector, img, o.timings)
	if err != nil {
		return models.ReadResult{}, s.fail(gen, err)
	}
	if !s.advance(gen, StateDetected) {
		return models.ReadResult{}, ErrStaleRun
	}

	var result models.ReadResult
	if cfg.DetectionOnly {
		result = cfg.Aggregator.Aggregate(detections, nil)
	} else {
		if !s.advance(gen, StateClassifying) {
			return models.ReadResult{}, ErrStaleRun
		}
		classifyStart := time.Now()
		outs := s.pipeline.Classify(ctx, classifier, img, detections, o.binarize)
		o.timings.Classify = time.Since(classifyStart)

		result = cfg.Aggregator.Aggregate(detections, outs)
		if len(detections) > 0 && len(result.Detections) == 0 {
			return models.ReadResult{}, s.fail(gen, fmt.Errorf("%w: %s", ErrAllBoxesFailed, result.Failures[0].Error))
		}
	}
	result.Warnings = append(result.Warnings, warnings...)
	o.timings.Total = time.Since(start)

	if !s.advance(gen, StateDone) {
		return models.ReadResult{}, ErrStaleRun
	}
	s.log.WithFields(logrus.Fields{
		"boxes":      len(detections),
		"labels":     result.Text,
		"confidence": result.Confidence,
		"failures":   len(result.Failures),
	}).Debug("run finished")
	return result, nil
}

// advance moves the session to next if gen is still current.
func (s *Session) advance(gen uint64, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.state = next
	return true
}

// fail records err for a current run and hands the session back to
// ImageLoaded. Errors of stale runs become ErrStaleRun.
func (s *Session) fail(gen uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return ErrStaleRun
	}
	s.log.WithField("state", StateError.String()).WithError(err).Warn("run failed")
	s.lastErr = err
	s.state = StateImageLoaded
	return err
}
