// Package nn is a small convolutional network library: typed layer
// declarations, a builder, forward and backward passes, Adam and a
// single-file model artifact.
package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

var ErrShape = errors.New("tensor shape mismatch")

// Model is a built stack of layers. Predict only reads the model and may be
// called concurrently; TrainBatch and Evaluate must not run alongside it.
type Model struct {
	Input   Shape
	Configs []LayerConfig
	layers  []Layer
}

// Build instantiates configs in order on a sample of shape input. Weights are
// drawn from a generator seeded with seed.
func Build(input Shape, configs []LayerConfig, seed int64) (*Model, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{Input: append(Shape(nil), input...), Configs: configs}
	shape := m.Input
	for i, cfg := range configs {
		layer, err := cfg.build(shape, i == 0, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		m.layers = append(m.layers, layer)
		shape = layer.OutShape()
	}
	return m, nil
}

func (m *Model) OutShape() Shape {
	return m.layers[len(m.layers)-1].OutShape()
}

// Params returns every trainable parameter in layer order.
func (m *Model) Params() []*Param {
	var out []*Param
	for _, l := range m.layers {
		out = append(out, l.Params()...)
	}
	return out
}

func (m *Model) NumParams() int {
	n := 0
	for _, l := range m.layers {
		for _, s := range l.State() {
			n += len(s)
		}
	}
	return n
}

func (m *Model) Forward(x *Tensor, train bool) (*Tensor, error) {
	if !x.Shape.Equal(m.Input) {
		return nil, fmt.Errorf("%w: model expects %v, got %v", ErrShape, m.Input, x.Shape)
	}
	if len(x.Data) != x.N*x.Shape.Size() {
		return nil, fmt.Errorf("%w: %d values for %d x %v", ErrShape, len(x.Data), x.N, x.Shape)
	}
	for _, l := range m.layers {
		x = l.Forward(x, train)
	}
	return x, nil
}

// Predict runs the network in inference mode and returns one row per sample.
func (m *Model) Predict(x *Tensor) (*Tensor, error) {
	return m.Forward(x, false)
}

func (m *Model) checkTargets(out *Tensor, y []float32) error {
	if !out.Shape.Equal(Shape{1}) {
		return fmt.Errorf("%w: binary targets need a single output unit, model has %v", ErrShape, out.Shape)
	}
	if len(y) != out.N {
		return fmt.Errorf("%w: %d targets for batch of %d", ErrShape, len(y), out.N)
	}
	return nil
}

// TrainBatch runs one forward and backward pass against 0/1 targets y and
// applies one optimizer step.
func (m *Model) TrainBatch(x *Tensor, y []float32, opt Optimizer) (Result, error) {
	out, err := m.Forward(x, true)
	if err != nil {
		return Result{}, err
	}
	if err := m.checkTargets(out, y); err != nil {
		return Result{}, err
	}
	res := Result{Loss: BinaryCrossEntropy(out.Data, y), Correct: Correct(out.Data, y), Count: out.N}

	params := m.Params()
	for _, p := range params {
		p.zeroGrad()
	}
	var dy *Tensor
	last := m.layers[len(m.layers)-1]
	if d, ok := last.(*dense); ok && d.Activation == Sigmoid {
		dy = d.backwardLinear(&Tensor{N: out.N, Shape: out.Shape, Data: logitGrad(out.Data, y)})
	} else {
		dy = last.Backward(&Tensor{N: out.N, Shape: out.Shape, Data: probGrad(out.Data, y)})
	}
	for i := len(m.layers) - 2; i >= 0 && dy != nil; i-- {
		dy = m.layers[i].Backward(dy)
	}
	opt.Step(params)
	return res, nil
}

// Evaluate scores a batch without touching the weights.
func (m *Model) Evaluate(x *Tensor, y []float32) (Result, error) {
	out, err := m.Predict(x)
	if err != nil {
		return Result{}, err
	}
	if err := m.checkTargets(out, y); err != nil {
		return Result{}, err
	}
	return Result{Loss: BinaryCrossEntropy(out.Data, y), Correct: Correct(out.Data, y), Count: out.N}, nil
}

// LayerSummary is one row of Summary.
type LayerSummary struct {
	Name   string
	Config string
	Output Shape
	Params int
}

func (m *Model) Summary() []LayerSummary {
	out := make([]LayerSummary, len(m.layers))
	for i, l := range m.layers {
		n := 0
		for _, s := range l.State() {
			n += len(s)
		}
		out[i] = LayerSummary{Name: l.Name(), Config: m.Configs[i].String(), Output: l.OutShape(), Params: n}
	}
	return out
}

func (m *Model) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %-32s %-18s %s\n", "layer", "config", "output", "params")
	for _, s := range m.Summary() {
		fmt.Fprintf(&sb, "%-12s %-32s %-18s %d\n", s.Name, s.Config, s.Output, s.Params)
	}
	fmt.Fprintf(&sb, "total params: %d", m.NumParams())
	return sb.String()
}
