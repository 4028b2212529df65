package detections

import (
	"context"
	"sync"
)

// Engine runs one model on named input tensors.
type Engine interface {
	Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error)
}

// Role identifies one of the two models of the pipeline.
type Role int

const (
	RoleDetector Role = iota
	RoleClassifier
)

func (r Role) String() string {
	if r == RoleClassifier {
		return "classifier"
	}
	return "detector"
}

// ModelStatus describes one model slot.
type ModelStatus struct {
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Models holds the detector and classifier handles shared by all sessions.
// The two slots load independently; a failure in one leaves the other usable.
type Models struct {
	mu      sync.RWMutex
	engines [2]Engine
	errs    [2]error
}

func NewModels() *Models {
	return &Models{}
}

// Load replaces the engine for role with the result of load. On failure the
// slot is emptied and a *ModelLoadError is kept and returned.
func (m *Models) Load(role Role, load func() (Engine, error)) error {
	engine, err := load()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.engines[role] = nil
		m.errs[role] = &ModelLoadError{Model: role.String(), Cause: err}
		return m.errs[role]
	}
	m.engines[role] = engine
	m.errs[role] = nil
	return nil
}

// Get returns the engine for role, the stored load error, or an
// *InputValidationError when the model was never loaded.
func (m *Models) Get(role Role) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.errs[role] != nil {
		return nil, m.errs[role]
	}
	if m.engines[role] == nil {
		return nil, &InputValidationError{Reason: role.String() + " model not loaded"}
	}
	return m.engines[role], nil
}

func (m *Models) Status() map[string]ModelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ModelStatus, 2)
	for _, role := range []Role{RoleDetector, RoleClassifier} {
		st := ModelStatus{Loaded: m.engines[role] != nil}
		if m.errs[role] != nil {
			st.Error = m.errs[role].Error()
		}
		out[role.String()] = st
	}
	return out
}
