package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func addBias(out, bias []float32) {
	n := len(bias)
	for i := 0; i < len(out); i += n {
		row := out[i : i+n]
		for j, b := range bias {
			row[j] += b
		}
	}
}

func sumRows(g, dst []float32) {
	n := len(dst)
	for i := 0; i < len(g); i += n {
		for j, v := range g[i : i+n] {
			dst[j] += v
		}
	}
}

// conv2D computes each sample as one matrix product between the unrolled
// input patches (im2col) and the kernel, laid out as [K*K*C, F].
type conv2D struct {
	Conv2D
	in, out       Shape
	w, b          *Param
	needInputGrad bool
	x, y          *Tensor
}

func (c Conv2D) build(in Shape, first bool, rng *rand.Rand) (Layer, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("conv2d: expected height, width, channels input, got %v", in)
	}
	if c.Filters <= 0 || c.Kernel <= 0 {
		return nil, fmt.Errorf("conv2d: filters and kernel must be positive, got %+v", c)
	}
	if !c.Activation.valid() {
		return nil, fmt.Errorf("conv2d: unknown activation %q", c.Activation)
	}
	oh, ow := in[0]-c.Kernel+1, in[1]-c.Kernel+1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d: kernel %d larger than input %v", c.Kernel, in)
	}
	l := &conv2D{
		Conv2D:        c,
		in:            in,
		out:           Shape{oh, ow, c.Filters},
		needInputGrad: !first,
	}
	fanIn := c.Kernel * c.Kernel * in[2]
	l.w = newParam("kernel", fanIn*c.Filters)
	l.b = newParam("bias", c.Filters)
	glorotUniform(l.w, fanIn, c.Kernel*c.Kernel*c.Filters, rng)
	return l, nil
}

func (l *conv2D) Name() string { return "conv2d" }
func (l *conv2D) OutShape() Shape { return l.out }
func (l *conv2D) Params() []*Param { return []*Param{l.w, l.b} }
func (l *conv2D) State() [][]float32 { return [][]float32{l.w.Value, l.b.Value} }
func (l *conv2D) patchSize() int { return l.Kernel * l.Kernel * l.in[2] }
func (l *conv2D) positions() int { return l.out[0] * l.out[1] }

func (l *conv2D) im2col(x, col []float32) {
	w, c, k := l.in[1], l.in[2], l.Kernel
	kc := k * c
	row := 0
	for oy := 0; oy < l.out[0]; oy++ {
		for ox := 0; ox < l.out[1]; ox++ {
			for ky := 0; ky < k; ky++ {
				src := ((oy+ky)*w + ox) * c
				copy(col[row+ky*kc:row+(ky+1)*kc], x[src:src+kc])
			}
			row += k * kc
		}
	}
}

func (l *conv2D) col2im(col, dx []float32) {
	w, c, k := l.in[1], l.in[2], l.Kernel
	kc := k * c
	row := 0
	for oy := 0; oy < l.out[0]; oy++ {
		for ox := 0; ox < l.out[1]; ox++ {
			for ky := 0; ky < k; ky++ {
				dst := dx[((oy+ky)*w+ox)*c:]
				for j, v := range col[row+ky*kc : row+(ky+1)*kc] {
					dst[j] += v
				}
			}
			row += k * kc
		}
	}
}

func (l *conv2D) Forward(x *Tensor, train bool) *Tensor {
	y := NewTensor(x.N, l.out)
	rows, kkc := l.positions(), l.patchSize()
	kernel := general(l.w.Value, kkc, l.Filters)
	cols := make([][]float32, workers(x.N))
	parallel(x.N, func(wk, n int) {
		if cols[wk] == nil {
			cols[wk] = make([]float32, rows*kkc)
		}
		l.im2col(x.Sample(n), cols[wk])
		out := y.Sample(n)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(cols[wk], rows, kkc), kernel, 0, general(out, rows, l.Filters))
		addBias(out, l.b.Value)
		l.Activation.apply(out)
	})
	if train {
		l.x, l.y = x, y
	}
	return y
}

func (l *conv2D) Backward(dy *Tensor) *Tensor {
	l.Activation.deriv(l.y.Data, dy.Data)
	sumRows(dy.Data, l.b.Grad)

	rows, kkc := l.positions(), l.patchSize()
	kernel := general(l.w.Value, kkc, l.Filters)
	nw := workers(dy.N)
	cols := make([][]float32, nw)
	dcols := make([][]float32, nw)
	dws := make([][]float32, nw)

	var dx *Tensor
	if l.needInputGrad {
		dx = NewTensor(dy.N, l.in)
	}
	parallel(dy.N, func(wk, n int) {
		if cols[wk] == nil {
			cols[wk] = make([]float32, rows*kkc)
			dws[wk] = make([]float32, kkc*l.Filters)
		}
		g := general(dy.Sample(n), rows, l.Filters)
		l.im2col(l.x.Sample(n), cols[wk])
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(cols[wk], rows, kkc), g, 1, general(dws[wk], kkc, l.Filters))
		if dx != nil {
			if dcols[wk] == nil {
				dcols[wk] = make([]float32, rows*kkc)
			}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, kernel, 0, general(dcols[wk], rows, kkc))
			l.col2im(dcols[wk], dx.Sample(n))
		}
	})
	for _, dw := range dws {
		for i, v := range dw {
			l.w.Grad[i] += v
		}
	}
	return dx
}
