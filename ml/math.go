package ml

import "math"

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Gelu applies the tanh-approximated GELU activation in place.
func (a *Array) Gelu() *Array {
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range a.data {
		x := float64(v)
		a.data[i] = float32(0.5 * x * (1 + math.Tanh(c*(x+0.044715*x*x*x))))
	}
	return a
}

// Silu applies x*sigmoid(x) in place.
func (a *Array) Silu() *Array {
	for i, v := range a.data {
		x := float64(v)
		a.data[i] = float32(x / (1 + math.Exp(-x)))
	}
	return a
}
