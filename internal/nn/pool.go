package nn

import (
	"fmt"
	"math/rand"
)

type maxPool2D struct {
	MaxPool2D
	in, out Shape
	// argmax holds, for every output value of the last training batch, the
	// index of the input value it was taken from.
	argmax []int32
}

func (c MaxPool2D) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("max_pool: expected height, width, channels input, got %v", in)
	}
	if c.Size <= 0 || in[0] < c.Size || in[1] < c.Size {
		return nil, fmt.Errorf("max_pool: window %d does not fit input %v", c.Size, in)
	}
	return &maxPool2D{
		MaxPool2D: c,
		in:        in,
		out:       Shape{in[0] / c.Size, in[1] / c.Size, in[2]},
	}, nil
}

func (l *maxPool2D) Name() string { return "max_pool" }
func (l *maxPool2D) OutShape() Shape { return l.out }
func (l *maxPool2D) Params() []*Param { return nil }
func (l *maxPool2D) State() [][]float32 { return nil }

func (l *maxPool2D) Forward(x *Tensor, train bool) *Tensor {
	y := NewTensor(x.N, l.out)
	var argmax []int32
	if train {
		argmax = make([]int32, len(y.Data))
	}
	w, ch, s := l.in[1], l.in[2], l.Size
	inSize, outSize := l.in.Size(), l.out.Size()
	parallel(x.N, func(_, n int) {
		src := x.Sample(n)
		dst := y.Sample(n)
		o := 0
		for oy := 0; oy < l.out[0]; oy++ {
			for ox := 0; ox < l.out[1]; ox++ {
				for c := 0; c < ch; c++ {
					best := -1
					for ky := 0; ky < s; ky++ {
						for kx := 0; kx < s; kx++ {
							ix := ((oy*s+ky)*w+ox*s+kx)*ch + c
							if best < 0 || src[ix] > src[best] {
								best = ix
							}
						}
					}
					dst[o] = src[best]
					if argmax != nil {
						argmax[n*outSize+o] = int32(n*inSize + best)
					}
					o++
				}
			}
		}
	})
	if train {
		l.argmax = argmax
	}
	return y
}

func (l *maxPool2D) Backward(dy *Tensor) *Tensor {
	dx := NewTensor(dy.N, l.in)
	for i, ix := range l.argmax {
		dx.Data[ix] += dy.Data[i]
	}
	return dx
}
