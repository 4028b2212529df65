package inference

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Tutortoise/symbol-reader-service/detections"
	ort "github.com/yalue/onnxruntime_go"
)

// SessionConfig describes one model file and the tensors exchanged with it.
type SessionConfig struct {
	ModelPath string
	// InputNames and OutputNames may be empty only when the model has
	// exactly one input or output.
	InputNames     []string
	OutputNames    []string
	IntraOpThreads int
	InterOpThreads int
}

// ModelSession runs an ONNX model with explicitly named inputs and outputs.
type ModelSession struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("empty model path")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("io info: %w", err)
	}
	inputNames, err := resolveNames(cfg.InputNames, inputs, "input")
	if err != nil {
		return nil, err
	}
	outputNames, err := resolveNames(cfg.OutputNames, outputs, "output")
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, fmt.Errorf("set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// resolveNames checks configured names against the model. With nothing
// configured a single declared tensor is used; several are ambiguous.
func resolveNames(configured []string, infos []ort.InputOutputInfo, kind string) ([]string, error) {
	if len(configured) == 0 {
		if len(infos) != 1 {
			return nil, fmt.Errorf("model declares %d %ss; configure the %s name", len(infos), kind, kind)
		}
		return []string{infos[0].Name}, nil
	}
	declared := make(map[string]bool, len(infos))
	for _, info := range infos {
		declared[info.Name] = true
	}
	for _, name := range configured {
		if !declared[name] {
			return nil, fmt.Errorf("model has no %s named %q", kind, name)
		}
	}
	return configured, nil
}

// Run feeds the named inputs and returns copies of all configured outputs.
func (m *ModelSession) Run(ctx context.Context, inputs map[string]detections.Tensor) (map[string]detections.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make([]ort.Value, 0, len(m.inputNames))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for _, name := range m.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		tensor, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		values = append(values, tensor)
	}

	outputs := make([]ort.Value, len(m.outputNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := m.session.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	result := make(map[string]detections.Tensor, len(outputs))
	for i, v := range outputs {
		tensor, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %q has unexpected type %T", m.outputNames[i], v)
		}
		result[m.outputNames[i]] = detections.Tensor{
			Shape: append([]int64(nil), tensor.GetShape()...),
			Data:  append([]float32(nil), tensor.GetData()...),
		}
	}
	return result, nil
}

func (m *ModelSession) Destroy() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
