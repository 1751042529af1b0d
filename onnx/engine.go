package onnx

import (
	"context"
	"fmt"
	"os"

	"github.com/krau/tumorlens/service"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	ModelPath    string
	ImageSize    int
	Classes      int
	Sessions     int
	OutputLogits bool
}

type model struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *model) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// Engine serves forward passes from a fixed pool of sessions. An
// AdvancedSession is bound to its tensors, so each one is used by a single
// caller at a time.
type Engine struct {
	pool     chan *model
	models   []*model
	inputLen int
	classes  int
	logits   bool
}

var _ service.Model = (*Engine)(nil)

// NewEngine loads the model once per pooled session. The model must take a
// (1, S, S, 3) float32 input and produce (1, classes) float32 scores.
func NewEngine(opts Options) (*Engine, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.Classes <= 0 {
		return nil, fmt.Errorf("invalid class count %d", opts.Classes)
	}
	size := int64(opts.ImageSize)

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs))
	}
	if err := checkInputShape(inputs[0].Dimensions, size); err != nil {
		return nil, err
	}
	if dims := outputs[0].Dimensions; len(dims) > 0 {
		if last := dims[len(dims)-1]; last > 0 && last != int64(opts.Classes) {
			return nil, fmt.Errorf("model outputs %d classes, class mapping has %d", last, opts.Classes)
		}
	}

	e := &Engine{
		pool:     make(chan *model, opts.Sessions),
		inputLen: int(size * size * 3),
		classes:  opts.Classes,
		logits:   opts.OutputLogits,
	}
	for range opts.Sessions {
		m, err := newModel(opts.ModelPath, inputs[0].Name, outputs[0].Name, size, int64(opts.Classes), opts.Sessions)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.models = append(e.models, m)
		e.pool <- m
	}
	return e, nil
}

// checkInputShape requires an NHWC (1, size, size, 3) input. Dynamic
// dimensions (-1) match anything.
func checkInputShape(dims []int64, size int64) error {
	want := []int64{1, size, size, 3}
	if len(dims) != len(want) {
		return fmt.Errorf("model input has shape %v, want (1, %d, %d, 3)", dims, size, size)
	}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return fmt.Errorf("model input has shape %v, want (1, %d, %d, 3)", dims, size, size)
		}
	}
	return nil
}

func newModel(path, inputName, outputName string, size, classes int64, sessions int) (*model, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if sessions > 1 {
		if err := opts.SetIntraOpNumThreads(1); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	m := &model{}
	m.input, err = ort.NewTensor(ort.NewShape(1, size, size, 3), make([]float32, size*size*3))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, classes))
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	m.session, err = ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{m.input},
		[]ort.Value{m.output},
		opts,
	)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return m, nil
}

// Infer runs one forward pass and returns a probability per class.
func (e *Engine) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if len(input) != e.inputLen {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), e.inputLen)
	}

	var m *model
	select {
	case m = <-e.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.pool <- m }()

	copy(m.input.GetData(), input)
	if err := m.session.Run(); err != nil {
		return nil, err
	}

	out := make([]float32, e.classes)
	copy(out, m.output.GetData())
	if e.logits {
		out = service.Softmax(out)
	}
	return out, nil
}

// Close destroys every session. It must not race with Infer.
func (e *Engine) Close() {
	for _, m := range e.models {
		m.destroy()
	}
	e.models = nil
}
