package nn

import "math"

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []*Param)
}

// Adam is adaptive moment estimation with bias correction folded into the
// step size.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	t    int
	m, v map[*Param][]float32
}

func NewAdam() *Adam {
	return &Adam{LearningRate: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}
}

// Iterations returns the number of steps taken.
func (a *Adam) Iterations() int { return a.t }

func (a *Adam) Step(params []*Param) {
	if a.m == nil {
		a.m = make(map[*Param][]float32)
		a.v = make(map[*Param][]float32)
	}
	a.t++
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	lr := float32(a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t))) / (1 - math.Pow(a.Beta1, float64(a.t))))
	eps := float32(a.Epsilon)
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float32, len(p.Value))
			a.m[p] = m
			a.v[p] = make([]float32, len(p.Value))
		}
		v := a.v[p]
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			p.Value[i] -= lr * m[i] / (float32(math.Sqrt(float64(v[i]))) + eps)
		}
	}
}

// SGD is plain gradient descent, used where a predictable update is needed.
type SGD struct {
	LearningRate float64
}

func (s SGD) Step(params []*Param) {
	lr := float32(s.LearningRate)
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= lr * g
		}
	}
}
