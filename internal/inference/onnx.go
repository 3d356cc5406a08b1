package inference

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/image-classifier/internal/errdefs"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// ONNXConfig tunes the ONNX Runtime session.
type ONNXConfig struct {
	LibraryPath string // onnxruntime shared library; empty uses the platform default
	NumThreads  int    // intra-op threads; 0 lets the runtime decide
	// InputScale multiplies samples when the model takes float input.
	// Zero means 1, i.e. raw 0-255 values.
	InputScale float32
}

// initRuntime initializes the ONNX Runtime environment once per process.
func initRuntime(libPath string) error {
	runtimeOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

type onnxModel struct {
	// mu is held for reading by every run and for writing by Close, so a
	// model is never destroyed under an active run.
	mu     sync.RWMutex
	closed bool

	session     *ort.DynamicAdvancedSession
	location    string
	input       ort.InputOutputInfo
	output      ort.InputOutputInfo
	inputShape  []int64
	outputShape []int64
	outWidth    int
	scale       float32
}

// LoadONNX opens the ONNX model at path. The model must have one image
// input of int32 or float32 elements and one float32 output.
func LoadONNX(path, location string, cfg ONNXConfig) (Model, error) {
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %w", errdefs.ErrModelLoad, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model io: %w", errdefs.ErrModelLoad, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("%w: unexpected io (in:%d out:%d)", errdefs.ErrModelLoad, len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]

	switch in.DataType {
	case ort.TensorElementDataTypeInt32, ort.TensorElementDataTypeFloat:
	default:
		return nil, fmt.Errorf("%w: unsupported input element type %v", errdefs.ErrModelLoad, in.DataType)
	}
	if out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%w: unsupported output element type %v", errdefs.ErrModelLoad, out.DataType)
	}
	if len(in.Dimensions) != 4 {
		return nil, fmt.Errorf("%w: expected 4D input, got %dD", errdefs.ErrModelLoad, len(in.Dimensions))
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %w", errdefs.ErrModelLoad, err)
	}
	defer options.Destroy()
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("%w: set threads: %w", errdefs.ErrModelLoad, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", errdefs.ErrModelLoad, err)
	}

	outShape := concreteShape(out.Dimensions)
	outWidth := 1
	for _, d := range outShape {
		outWidth *= int(d)
	}

	scale := cfg.InputScale
	if scale == 0 {
		scale = 1
	}

	return &onnxModel{
		session:     session,
		location:    location,
		input:       in,
		output:      out,
		inputShape:  concreteShape(in.Dimensions),
		outputShape: outShape,
		outWidth:    outWidth,
		scale:       scale,
	}, nil
}

func (m *onnxModel) InputShape() []int64 {
	return append([]int64(nil), m.inputShape...)
}

func (m *onnxModel) OutputWidth() int {
	return m.outWidth
}

func (m *onnxModel) Summary() Summary {
	return Summary{
		Location:    m.location,
		InputName:   m.input.Name,
		InputType:   fmt.Sprintf("%v", m.input.DataType),
		InputShape:  m.InputShape(),
		OutputName:  m.output.Name,
		OutputShape: []int64(m.output.Dimensions),
	}
}

type runResult struct {
	probs []float32
	err   error
}

// Run executes one forward pass. If ctx ends first Run returns at once;
// the pass finishes in the background and releases its tensors.
func (m *onnxModel) Run(ctx context.Context, input Tensor) ([]float32, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: model is closed", errdefs.ErrInference)
	}
	if !equalShape(input.Shape, m.inputShape) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: tensor shape %v does not match model input %v", errdefs.ErrInference, input.Shape, m.inputShape)
	}
	if len(input.Data) != input.Len() {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: tensor holds %d elements, shape wants %d", errdefs.ErrInference, len(input.Data), input.Len())
	}

	value, err := m.newInputValue(input)
	if err != nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: create input tensor: %w", errdefs.ErrInference, err)
	}

	done := make(chan runResult, 1)
	go func() {
		defer m.mu.RUnlock()
		defer value.Destroy()
		probs, err := m.forward(value)
		done <- runResult{probs: probs, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInference, ctx.Err())
	case r := <-done:
		return r.probs, r.err
	}
}

func (m *onnxModel) newInputValue(input Tensor) (ort.ArbitraryTensor, error) {
	shape := ort.NewShape(input.Shape...)
	if m.input.DataType == ort.TensorElementDataTypeInt32 {
		t, err := ort.NewTensor(shape, input.Data)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	data := make([]float32, len(input.Data))
	for i, v := range input.Data {
		data[i] = float32(v) * m.scale
	}
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (m *onnxModel) forward(input ort.ArbitraryTensor) ([]float32, error) {
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(m.outputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: create output tensor: %w", errdefs.ErrInference, err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInference, err)
	}

	data := output.GetData()
	probs := make([]float32, len(data))
	copy(probs, data)
	return probs, nil
}

// Close destroys the session after in-flight runs finish.
func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.session.Destroy()
}
