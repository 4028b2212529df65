package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Tutortoise/symbol-reader-service/detections"
	"github.com/Tutortoise/symbol-reader-service/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamReadTimeout = 60 * time.Second
	streamWriteWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is sent for every frame whose run was not superseded.
type StreamMessage struct {
	Type    string             `json:"type"`
	Frame   uint64             `json:"frame"`
	Result  *models.ReadResult `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
	Error   *ErrorResponse     `json:"error,omitempty"`
}

// streamConn serializes writes to one websocket connection.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) send(msg StreamMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return c.conn.WriteJSON(msg)
}

// handleStream reads encoded images as binary frames. Each connection owns a
// session; a new frame replaces the session image, which invalidates and
// cancels the run of the previous frame so only the latest result is sent.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	defer connection.Close()

	connection.SetReadLimit(maxUploadSize)
	connection.SetReadDeadline(time.Now().Add(streamReadTimeout))
	connection.SetPongHandler(func(string) error {
		connection.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	out := &streamConn{conn: connection}
	session := detections.NewSession(s.Pipeline, s.Models)
	log := s.Log.WithField("remote", r.RemoteAddr)
	log.Info("Stream client connected")

	ctx, cancelAll := context.WithCancel(r.Context())
	var runs sync.WaitGroup
	defer func() {
		cancelAll()
		runs.Wait()
	}()
	cancelPrevious := func() {}

	for {
		msgType, data, err := connection.ReadMessage()
		if err != nil {
			log.WithError(err).Info("Stream client disconnected")
			break
		}
		connection.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.BinaryMessage {
			continue
		}

		timings := &models.ProcessingTimings{RequestID: newRequestID()}
		start := time.Now()
		img, err := decodeImage(data)
		timings.ImageDecode = time.Since(start)
		if err != nil {
			out.send(StreamMessage{Type: "error", Error: &ErrorResponse{Code: "invalid_image", Message: err.Error()}})
			continue
		}

		// Load first so the previous run is already stale when it sees
		// its cancellation.
		frame, err := session.LoadImage(img)
		if err != nil {
			code, _ := errorStatus(err)
			out.send(StreamMessage{Type: "error", Error: &ErrorResponse{Code: code, Message: err.Error()}})
			continue
		}
		cancelPrevious()
		runCtx, cancel := context.WithCancel(ctx)
		cancelPrevious = cancel

		runs.Add(1)
		go func() {
			defer runs.Done()
			defer cancel()
			s.streamRun(runCtx, session, out, frame, timings, start, log)
		}()
	}
}

func (s *AppState) streamRun(ctx context.Context, session *detections.Session, out *streamConn, frame uint64,
	timings *models.ProcessingTimings, start time.Time, log logrus.FieldLogger) {
	result, err := session.Run(ctx, detections.WithGeneration(frame), detections.WithTimings(timings))
	timings.Total = time.Since(start)
	if errors.Is(err, detections.ErrStaleRun) {
		log.WithField("frame", frame).Debug("Dropped result of superseded frame")
		return
	}
	s.logTimings(timings)
	s.recordRun(timings, result, err)

	msg := StreamMessage{Type: "result", Frame: frame}
	if err != nil {
		code, _ := errorStatus(err)
		msg.Type = "error"
		msg.Error = &ErrorResponse{Code: code, Message: err.Error()}
	} else {
		msg.Result = &result
		msg.Message = readMessage(result)
	}
	if err := out.send(msg); err != nil {
		log.WithError(err).Warn("Failed to send stream message")
	}
}
