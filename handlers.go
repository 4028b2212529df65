package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Tutortoise/symbol-reader-service/detections"
	"github.com/Tutortoise/symbol-reader-service/inference"
	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const maxUploadSize = 10 << 20

type ReadResponse struct {
	RequestID string `json:"request_id"`
	models.ReadResult
	Message string `json:"message"`
	Overlay string `json:"overlay,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func (s *AppState) logTimings(t *models.ProcessingTimings) {
	s.Log.WithFields(logrus.Fields{
		"request_id":   t.RequestID,
		"image_decode": t.ImageDecode,
		"preprocess":   t.Preprocess,
		"inference":    t.Inference,
		"postprocess":  t.Postprocess,
		"classify":     t.Classify,
		"total":        t.Total,
	}).Debug("Processing times")
}

func (s *AppState) handleRead(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: newRequestID()}

	query := r.URL.Query()
	binarize := s.Pipeline.Config().Binarize
	if v := query.Get("binarize"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendErrorResponse(w, "invalid_request", "binarize must be a boolean", http.StatusBadRequest)
			return
		}
		binarize = b
	}
	var overlay bool
	if v := query.Get("overlay"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendErrorResponse(w, "invalid_request", "overlay must be a boolean", http.StatusBadRequest)
			return
		}
		overlay = b
	}

	imgBytes, err := readImageBytes(w, r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	session := detections.NewSession(s.Pipeline, s.Models)
	if _, err := session.LoadImage(img); err != nil {
		s.sendRunError(w, err)
		return
	}

	result, err := session.Run(r.Context(), detections.WithBinarize(binarize), detections.WithTimings(timings))
	timings.Total = time.Since(startTotal)
	s.logTimings(timings)
	s.recordRun(timings, result, err)
	if err != nil {
		s.sendRunError(w, err)
		return
	}

	response := ReadResponse{
		RequestID:  timings.RequestID,
		ReadResult: result,
		Message:    readMessage(result),
	}
	if overlay {
		encoded, err := encodeOverlay(img, result)
		if err != nil {
			s.Log.WithError(err).Warn("Failed to render overlay")
			response.Warnings = append(response.Warnings, "overlay: "+err.Error())
		}
		response.Overlay = encoded
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleReload(w http.ResponseWriter, r *http.Request) {
	var role detections.Role
	switch mux.Vars(r)["role"] {
	case "detector":
		role = detections.RoleDetector
	case "classifier":
		role = detections.RoleClassifier
	default:
		sendErrorResponse(w, "invalid_request", "unknown model", http.StatusNotFound)
		return
	}
	if err := s.loadModel(role); err != nil {
		sendErrorResponse(w, "model_unavailable", err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Models.Status())
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := make(map[string]inference.PoolMetrics)
	for _, role := range []detections.Role{detections.RoleDetector, detections.RoleClassifier} {
		if pool := s.pool(role); pool != nil {
			response[role.String()] = pool.Metrics()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.Models.Status()
	ready := status[detections.RoleDetector.String()].Loaded
	if !s.Pipeline.Config().DetectionOnly {
		ready = ready && status[detections.RoleClassifier.String()].Loaded
	}

	response := struct {
		Ready       bool                              `json:"ready"`
		Models      map[string]detections.ModelStatus `json:"models"`
		CPUFeatures []string                          `json:"cpu_features"`
	}{ready, status, inference.CPUFeatures()}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		sendErrorResponse(w, "history_disabled", "run history is not enabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.History.Recent(limit)
	if err != nil {
		sendErrorResponse(w, "history_error", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// recordRun stores the run summary when history is enabled. Stale runs are
// not recorded.
func (s *AppState) recordRun(t *models.ProcessingTimings, result models.ReadResult, runErr error) {
	if s.History == nil || errors.Is(runErr, detections.ErrStaleRun) {
		return
	}
	rec := &models.RunRecord{
		RequestID:  t.RequestID,
		Text:       result.Text,
		Confidence: result.Confidence,
		BoxCount:   len(result.Detections),
		Failures:   len(result.Failures),
		Duration:   t.Total.Milliseconds(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if _, err := s.History.Insert(rec); err != nil {
		s.Log.WithError(err).WithField("request_id", t.RequestID).Warn("Failed to record run")
	}
}

func readImageBytes(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return io.ReadAll(r.Body)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func encodeOverlay(img image.Image, result models.ReadResult) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, drawOverlay(img, result)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// errorStatus maps pipeline errors to an error code and HTTP status.
func errorStatus(err error) (string, int) {
	var validation *detections.InputValidationError
	var load *detections.ModelLoadError
	var infer *detections.InferenceError
	switch {
	case errors.As(err, &validation):
		return "invalid_input", http.StatusUnprocessableEntity
	case errors.As(err, &load):
		return "model_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, detections.ErrStaleRun):
		return "stale_run", http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled", http.StatusGatewayTimeout
	case errors.Is(err, detections.ErrAllBoxesFailed):
		return "classification_failed", http.StatusInternalServerError
	case errors.As(err, &infer):
		return "inference_error", http.StatusInternalServerError
	default:
		return "processing_error", http.StatusInternalServerError
	}
}

func (s *AppState) sendRunError(w http.ResponseWriter, err error) {
	code, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.Log.WithError(err).WithField("code", code).Error("Run failed")
	}
	sendErrorResponse(w, code, err.Error(), status)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
