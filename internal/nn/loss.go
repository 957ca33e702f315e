package nn

import "math"

// epsilon bounds predicted probabilities away from 0 and 1 in the loss.
const epsilon = 1e-7

// Threshold splits sigmoid outputs into the two classes.
const Threshold = 0.5

func clip(p float32) float64 {
	return math.Min(math.Max(float64(p), epsilon), 1-epsilon)
}

// BinaryCrossEntropy returns the summed loss of probabilities p against 0/1
// targets y.
func BinaryCrossEntropy(p, y []float32) float64 {
	var sum float64
	for i := range p {
		q := clip(p[i])
		t := float64(y[i])
		sum -= t*math.Log(q) + (1-t)*math.Log(1-q)
	}
	return sum
}

// logitGrad is the gradient of the mean binary cross-entropy with respect to
// the pre-sigmoid output, (p - y) / n.
func logitGrad(p, y []float32) []float32 {
	g := make([]float32, len(p))
	n := float32(len(p))
	for i := range p {
		g[i] = (p[i] - y[i]) / n
	}
	return g
}

// probGrad is the gradient of the mean binary cross-entropy with respect to
// the clipped probabilities.
func probGrad(p, y []float32) []float32 {
	g := make([]float32, len(p))
	n := float64(len(p))
	for i := range p {
		q := clip(p[i])
		g[i] = float32((q - float64(y[i])) / (q * (1 - q)) / n)
	}
	return g
}

// Correct counts predictions on the same side of Threshold as their target.
func Correct(p, y []float32) int {
	n := 0
	for i := range p {
		if (p[i] > Threshold) == (y[i] > Threshold) {
			n++
		}
	}
	return n
}

// Result accumulates loss and accuracy over one or more batches.
type Result struct {
	Loss    float64 // summed over samples
	Correct int
	Count   int
}

func (r *Result) Add(o Result) {
	r.Loss += o.Loss
	r.Correct += o.Correct
	r.Count += o.Count
}

func (r Result) MeanLoss() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Loss / float64(r.Count)
}

func (r Result) Accuracy() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Count)
}
