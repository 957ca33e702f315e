package nn

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Shape is the per-sample shape of a tensor, without the batch dimension.
type Shape []int

func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a batch of samples stored contiguously, channels last.
type Tensor struct {
	N     int
	Shape Shape
	Data  []float32
}

func NewTensor(n int, shape Shape) *Tensor {
	return &Tensor{N: n, Shape: shape, Data: make([]float32, n*shape.Size())}
}

// FromData wraps data as a batch of n samples of the given shape.
func FromData(data []float32, n int, shape Shape) (*Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	if len(data) != n*shape.Size() {
		return nil, fmt.Errorf("expected %d values for %d x %v, got %d", n*shape.Size(), n, shape, len(data))
	}
	return &Tensor{N: n, Shape: shape, Data: data}, nil
}

// Sample returns the values of sample i.
func (t *Tensor) Sample(i int) []float32 {
	size := t.Shape.Size()
	return t.Data[i*size : (i+1)*size]
}

// parallel runs fn(worker, i) for i in [0,n) on up to GOMAXPROCS goroutines.
// worker is in [0, workers(n)).
func parallel(n int, fn func(worker, i int)) {
	w := workers(n)
	if w == 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	next := make(chan int, n)
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)
	for k := 0; k < w; k++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range next {
				fn(worker, i)
			}
		}(k)
	}
	wg.Wait()
}

func workers(n int) int {
	return max(1, min(n, runtime.GOMAXPROCS(0)))
}
