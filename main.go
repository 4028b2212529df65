package main

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Tutortoise/symbol-reader-service/config"
	"github.com/Tutortoise/symbol-reader-service/detections"
	"github.com/Tutortoise/symbol-reader-service/history"
	"github.com/Tutortoise/symbol-reader-service/inference"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type AppState struct {
	Config   *config.Config
	Pipeline *detections.Pipeline
	Models   *detections.Models
	History  *history.Store
	Log      *logrus.Logger

	mu    sync.Mutex
	pools map[detections.Role]*inference.SessionPool
}

func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

// loadModel builds the session pool for role and swaps it into the model
// slot. The previous pool, if any, is destroyed. A failure leaves the slot
// holding a ModelLoadError without affecting the other model.
func (s *AppState) loadModel(role detections.Role) error {
	modelPath, inputName, outputName := s.Config.DetectorModel, s.Config.DetectorInputName, s.Config.DetectorOutputName
	if role == detections.RoleClassifier {
		modelPath, inputName, outputName = s.Config.ClassifierModel, s.Config.ClassifierInputName, s.Config.ClassifierOutputName
	}
	threads := inference.ThreadsPerSession(s.Config.PoolSize)

	var pool *inference.SessionPool
	err := s.Models.Load(role, func() (detections.Engine, error) {
		factory := func() (inference.Runner, error) {
			return inference.NewModelSession(inference.SessionConfig{
				ModelPath:      modelPath,
				InputNames:     nameList(inputName),
				OutputNames:    nameList(outputName),
				IntraOpThreads: threads,
				InterOpThreads: 1,
			})
		}
		var err error
		pool, err = inference.NewSessionPool(factory, s.Config.PoolSize)
		if err != nil {
			return nil, err
		}
		return pool, nil
	})

	s.mu.Lock()
	old := s.pools[role]
	if err == nil {
		s.pools[role] = pool
	} else {
		delete(s.pools, role)
	}
	s.mu.Unlock()
	if old != nil {
		old.Destroy()
	}

	entry := s.Log.WithFields(logrus.Fields{"model": role.String(), "path": modelPath})
	if err != nil {
		entry.WithError(err).Error("Model not loaded")
		return err
	}
	entry.WithField("pool_size", s.Config.PoolSize).Info("Model loaded")
	return nil
}

func (s *AppState) pool(role detections.Role) *inference.SessionPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[role]
}

func (s *AppState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for role, pool := range s.pools {
		pool.Destroy()
		delete(s.pools, role)
	}
}

func nameList(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}

func (s *AppState) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/read", s.handleRead).Methods("POST")
	r.HandleFunc("/ws", s.handleStream).Methods("GET")
	r.HandleFunc("/models/{role}/reload", s.handleReload).Methods("POST")
	s.addMonitoringRoutes(r)
	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	log := initLogger(cfg.Debug)

	labels, err := config.LoadLabels(cfg.LabelsPath)
	if err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}
	pipelineCfg, err := cfg.PipelineConfig(labels)
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}

	state := &AppState{
		Config:   cfg,
		Pipeline: detections.NewPipeline(pipelineCfg, log),
		Models:   detections.NewModels(),
		Log:      log,
		pools:    make(map[detections.Role]*inference.SessionPool),
	}

	// Without the runtime both models fail to load and report it on /healthz.
	if err := inference.Initialize(cfg.LibPath); err != nil {
		log.WithError(err).Error("Failed to initialize ONNX runtime")
	}
	defer inference.Shutdown()

	state.loadModel(detections.RoleDetector)
	if !cfg.DetectionOnly {
		state.loadModel(detections.RoleClassifier)
	}
	defer state.close()

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("Failed to open history database: %v", err)
		}
		defer store.Close()
		state.History = store
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"addr":         srv.Addr,
		"cpu_features": inference.CPUFeatures(),
	}).Info("Starting server")
	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Error("Server stopped")
	}
}
