// Package nn holds the layer types the transformer graph is assembled from.
// Field tags name the weight each field is populated from, relative to the
// layer's path in the module graph.
package nn

import (
	"fmt"

	"github.com/ltxav/ltxav/ml"
)

type Linear struct {
	Weight *ml.Array `st:"weight"`
	Bias   *ml.Array `st:"bias"`
}

// Forward applies x@W'+b for x of shape (tokens, in_features). Weight is
// stored (out_features, in_features).
func (m *Linear) Forward(x *ml.Array) (*ml.Array, error) {
	wt := ml.Transpose(m.Weight)
	defer wt.Release()

	out, err := ml.MatMul(x, wt)
	if err != nil {
		return nil, err
	}
	if m.Bias != nil {
		n := m.Bias.Numel()
		data := out.Data()
		bias := m.Bias.Data()
		for i := range data {
			data[i] += bias[i%n]
		}
	}
	return out, nil
}

// InFeatures returns the input width of the layer.
func (m *Linear) InFeatures() int { return m.Weight.Dim(1) }

// OutFeatures returns the output width of the layer.
func (m *Linear) OutFeatures() int { return m.Weight.Dim(0) }

type RMSNorm struct {
	Weight *ml.Array `st:"weight"`
	Eps    float32
}

// Forward normalizes each row of x to unit RMS and scales by the learned
// weight when present.
func (m *RMSNorm) Forward(x *ml.Array) *ml.Array {
	shape := x.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("nn: RMSNorm requires 2D input, got %v", shape))
	}
	eps := m.Eps
	if eps == 0 {
		eps = 1e-6
	}

	out := x.Clone()
	n := shape[1]
	data := out.Data()
	for r := 0; r < shape[0]; r++ {
		row := data[r*n : (r+1)*n]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		inv := 1 / sqrt32(ss/float32(n)+eps)
		for i := range row {
			row[i] *= inv
			if m.Weight != nil {
				row[i] *= m.Weight.Data()[i]
			}
		}
	}
	return out
}
