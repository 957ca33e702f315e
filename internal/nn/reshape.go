package nn

import (
	"fmt"
	"math/rand"
)

type flatten struct {
	in, out Shape
}

func (c Flatten) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("flatten: empty input shape")
	}
	return &flatten{in: in, out: Shape{in.Size()}}, nil
}

func (l *flatten) Name() string { return "flatten" }
func (l *flatten) OutShape() Shape { return l.out }
func (l *flatten) Params() []*Param { return nil }
func (l *flatten) State() [][]float32 { return nil }

func (l *flatten) Forward(x *Tensor, train bool) *Tensor {
	return &Tensor{N: x.N, Shape: l.out, Data: x.Data}
}

func (l *flatten) Backward(dy *Tensor) *Tensor {
	return &Tensor{N: dy.N, Shape: l.in, Data: dy.Data}
}

type dropout struct {
	Dropout
	shape Shape
	rng   *rand.Rand
	mask  []float32
}

func (c Dropout) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if c.Rate < 0 || c.Rate >= 1 {
		return nil, fmt.Errorf("dropout: rate must be in [0,1), got %g", c.Rate)
	}
	return &dropout{Dropout: c, shape: in, rng: rand.New(rand.NewSource(rng.Int63()))}, nil
}

func (l *dropout) Name() string { return "dropout" }
func (l *dropout) OutShape() Shape { return l.shape }
func (l *dropout) Params() []*Param { return nil }
func (l *dropout) State() [][]float32 { return nil }

// Forward is the identity outside training. While training each input is
// kept with probability 1-Rate and scaled by 1/(1-Rate).
func (l *dropout) Forward(x *Tensor, train bool) *Tensor {
	if !train {
		return x
	}
	keep := float32(1 / (1 - l.Rate))
	l.mask = make([]float32, len(x.Data))
	y := NewTensor(x.N, l.shape)
	for i, v := range x.Data {
		if l.rng.Float64() >= l.Rate {
			l.mask[i] = keep
			y.Data[i] = v * keep
		}
	}
	return y
}

func (l *dropout) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, l.shape)
	for i, g := range dy.Data {
		dx.Data[i] = g * l.mask[i]
	}
	return dx
}
