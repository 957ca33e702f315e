package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type dense struct {
	Dense
	nIn           int
	w, b          *Param
	needInputGrad bool
	x, y          *Tensor
}

func (c Dense) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("dense: expected flat input, got %v", in)
	}
	if c.Units <= 0 {
		return nil, fmt.Errorf("dense: units must be positive, got %d", c.Units)
	}
	if !c.Activation.valid() {
		return nil, fmt.Errorf("dense: unknown activation %q", c.Activation)
	}
	l := &dense{
		Dense:         c,
		nIn:           in[0],
		w:             newParam("kernel", in[0]*c.Units),
		b:             newParam("bias", c.Units),
		needInputGrad: !first,
	}
	glorotUniform(l.w, in[0], c.Units, rng)
	return l, nil
}

func (l *dense) Name() string { return "dense" }
func (l *dense) OutShape() Shape { return Shape{l.Units} }
func (l *dense) Params() []*Param { return []*Param{l.w, l.b} }
func (l *dense) State() [][]float32 { return [][]float32{l.w.Value, l.b.Value} }

func (l *dense) Forward(x *Tensor, train bool) *Tensor {
	y := NewTensor(x.N, Shape{l.Units})
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(x.Data, x.N, l.nIn), general(l.w.Value, l.nIn, l.Units),
		0, general(y.Data, x.N, l.Units))
	addBias(y.Data, l.b.Value)
	l.Activation.apply(y.Data)
	if train {
		l.x, l.y = x, y
	}
	return y
}

func (l *dense) Backward(dy *Tensor) *Tensor {
	l.Activation.deriv(l.y.Data, dy.Data)
	return l.backwardLinear(dy)
}

// backwardLinear takes the gradient with respect to the pre-activation output.
func (l *dense) backwardLinear(g *Tensor) *Tensor {
	sumRows(g.Data, l.b.Grad)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(l.x.Data, g.N, l.nIn), general(g.Data, g.N, l.Units),
		1, general(l.w.Grad, l.nIn, l.Units))
	if !l.needInputGrad {
		return nil
	}
	dx := NewTensor(g.N, Shape{l.nIn})
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(g.Data, g.N, l.Units), general(l.w.Value, l.nIn, l.Units),
		0, general(dx.Data, g.N, l.nIn))
	return dx
}
