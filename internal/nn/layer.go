package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Activation names the element-wise function applied after a conv or dense layer.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
)

func (a Activation) valid() bool {
	return a == "" || a == Linear || a == ReLU || a == Sigmoid
}

func (a Activation) apply(v []float32) {
	switch a {
	case ReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case Sigmoid:
		for i, x := range v {
			v[i] = float32(1 / (1 + math.Exp(-float64(x))))
		}
	}
}

// deriv multiplies grad in place by the activation derivative, written in
// terms of the activation output.
func (a Activation) deriv(out, grad []float32) {
	switch a {
	case ReLU:
		for i, y := range out {
			if y <= 0 {
				grad[i] = 0
			}
		}
	case Sigmoid:
		for i, y := range out {
			grad[i] *= y * (1 - y)
		}
	}
}

// Param is a trainable array and its gradient.
type Param struct {
	Name  string
	Value []float32
	Grad  []float32
}

func newParam(name string, size int) *Param {
	return &Param{Name: name, Value: make([]float32, size), Grad: make([]float32, size)}
}

func (p *Param) zeroGrad() {
	clear(p.Grad)
}

func glorotUniform(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = float32(limit * (2*rng.Float64() - 1))
	}
}

// Layer is one built stage of the network. Forward with train=false must not
// modify the layer, so a built model can serve concurrent predictions.
type Layer interface {
	Name() string
	OutShape() Shape
	Forward(x *Tensor, train bool) *Tensor
	// Backward takes the loss gradient with respect to the last training
	// Forward output and returns the gradient with respect to its input.
	Backward(dy *Tensor) *Tensor
	Params() []*Param
	// State lists every array that must be persisted, in a fixed order.
	State() [][]float32
}

// LayerConfig is the declaration of one layer. The set of implementations is
// closed; Build turns a list of them into a Model.
type LayerConfig interface {
	build(in Shape, first bool, rng *rand.Rand) (Layer, error)
	String() string
}

// Conv2D is a 2-D convolution with square kernel, stride 1 and valid padding.
type Conv2D struct {
	Filters    int
	Kernel     int
	Activation Activation
}

func (c Conv2D) String() string {
	return fmt.Sprintf("conv2d %d %dx%d %s", c.Filters, c.Kernel, c.Kernel, c.Activation)
}

// BatchNorm normalizes each channel with batch statistics while training and
// running averages otherwise.
type BatchNorm struct {
	Momentum float64
	Epsilon  float64
}

func (c BatchNorm) String() string {
	return fmt.Sprintf("batch_norm momentum=%g eps=%g", c.Momentum, c.Epsilon)
}

// MaxPool2D takes the maximum over non-overlapping Size x Size windows.
type MaxPool2D struct {
	Size int
}

func (c MaxPool2D) String() string { return fmt.Sprintf("max_pool %dx%d", c.Size, c.Size) }

// Flatten reshapes each sample to one dimension.
type Flatten struct{}

func (c Flatten) String() string { return "flatten" }

// Dense is a fully connected layer.
type Dense struct {
	Units      int
	Activation Activation
}

func (c Dense) String() string { return fmt.Sprintf("dense %d %s", c.Units, c.Activation) }

// Dropout zeroes a random fraction Rate of its inputs while training.
type Dropout struct {
	Rate float64
}

func (c Dropout) String() string { return fmt.Sprintf("dropout %g", c.Rate) }

// Architecture is the chest X-ray classifier: three conv/batch-norm/pool
// blocks of width 32, 64 and 128, a 128 unit hidden layer with dropout and a
// single sigmoid output.
func Architecture() []LayerConfig {
	return []LayerConfig{
		Conv2D{Filters: 32, Kernel: 3, Activation: ReLU},
		BatchNorm{Momentum: 0.99, Epsilon: 1e-3},
		MaxPool2D{Size: 2},

		Conv2D{Filters: 64, Kernel: 3, Activation: ReLU},
		BatchNorm{Momentum: 0.99, Epsilon: 1e-3},
		MaxPool2D{Size: 2},

		Conv2D{Filters: 128, Kernel: 3, Activation: ReLU},
		BatchNorm{Momentum: 0.99, Epsilon: 1e-3},
		MaxPool2D{Size: 2},

		Flatten{},
		Dense{Units: 128, Activation: ReLU},
		Dropout{Rate: 0.5},
		Dense{Units: 1, Activation: Sigmoid},
	}
}
