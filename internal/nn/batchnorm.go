package nn

import (
	"fmt"
	"math"
	"math/rand"
)

type batchNorm struct {
	BatchNorm
	shape       Shape
	gamma, beta *Param
	mean, vars  []float32

	xhat   []float32
	invStd []float32
}

func (c BatchNorm) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("batch_norm: empty input shape")
	}
	if c.Momentum < 0 || c.Momentum >= 1 || c.Epsilon <= 0 {
		return nil, fmt.Errorf("batch_norm: invalid config %+v", c)
	}
	ch := in[len(in)-1]
	l := &batchNorm{
		BatchNorm: c,
		shape:     in,
		gamma:     newParam("gamma", ch),
		beta:      newParam("beta", ch),
		mean:      make([]float32, ch),
		vars:      make([]float32, ch),
	}
	for i := 0; i < ch; i++ {
		l.gamma.Value[i] = 1
		l.vars[i] = 1
	}
	return l, nil
}

func (l *batchNorm) Name() string { return "batch_norm" }
func (l *batchNorm) OutShape() Shape { return l.shape }
func (l *batchNorm) Params() []*Param { return []*Param{l.gamma, l.beta} }

// State includes the running mean and variance after the trainable parameters.
func (l *batchNorm) State() [][]float32 {
	return [][]float32{l.gamma.Value, l.beta.Value, l.mean, l.vars}
}

func (l *batchNorm) Forward(x *Tensor, train bool) *Tensor {
	ch := len(l.mean)
	y := NewTensor(x.N, l.shape)
	if !train {
		scale := make([]float32, ch)
		shift := make([]float32, ch)
		for c := 0; c < ch; c++ {
			s := float64(l.gamma.Value[c]) / math.Sqrt(float64(l.vars[c])+l.Epsilon)
			scale[c] = float32(s)
			shift[c] = float32(float64(l.beta.Value[c]) - float64(l.mean[c])*s)
		}
		for i := 0; i < len(x.Data); i += ch {
			for c := 0; c < ch; c++ {
				y.Data[i+c] = x.Data[i+c]*scale[c] + shift[c]
			}
		}
		return y
	}

	m := len(x.Data) / ch
	sum := make([]float64, ch)
	sumSq := make([]float64, ch)
	for i := 0; i < len(x.Data); i += ch {
		for c := 0; c < ch; c++ {
			v := float64(x.Data[i+c])
			sum[c] += v
			sumSq[c] += v * v
		}
	}
	mean := make([]float32, ch)
	l.invStd = make([]float32, ch)
	for c := 0; c < ch; c++ {
		mu := sum[c] / float64(m)
		variance := max(sumSq[c]/float64(m)-mu*mu, 0)
		mean[c] = float32(mu)
		l.invStd[c] = float32(1 / math.Sqrt(variance+l.Epsilon))
		l.mean[c] = float32(l.Momentum*float64(l.mean[c]) + (1-l.Momentum)*mu)
		l.vars[c] = float32(l.Momentum*float64(l.vars[c]) + (1-l.Momentum)*variance)
	}
	l.xhat = make([]float32, len(x.Data))
	for i := 0; i < len(x.Data); i += ch {
		for c := 0; c < ch; c++ {
			h := (x.Data[i+c] - mean[c]) * l.invStd[c]
			l.xhat[i+c] = h
			y.Data[i+c] = l.gamma.Value[c]*h + l.beta.Value[c]
		}
	}
	return y
}

func (l *batchNorm) Backward(dy *Tensor) *Tensor {
	ch := len(l.mean)
	m := float32(len(dy.Data) / ch)
	dgamma := make([]float32, ch)
	dbeta := make([]float32, ch)
	for i := 0; i < len(dy.Data); i += ch {
		for c := 0; c < ch; c++ {
			dgamma[c] += dy.Data[i+c] * l.xhat[i+c]
			dbeta[c] += dy.Data[i+c]
		}
	}
	dx := NewTensor(dy.N, l.shape)
	for i := 0; i < len(dy.Data); i += ch {
		for c := 0; c < ch; c++ {
			k := l.gamma.Value[c] * l.invStd[c] / m
			dx.Data[i+c] = k * (m*dy.Data[i+c] - dbeta[c] - l.xhat[i+c]*dgamma[c])
		}
	}
	for c := 0; c < ch; c++ {
		l.gamma.Grad[c] += dgamma[c]
		l.beta.Grad[c] += dbeta[c]
	}
	return dx
}
