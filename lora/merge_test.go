package lora

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/ml/nn"
	"github.com/ltxav/ltxav/safetensors"
)

func mergeGraph(weight []float32) *testGraph {
	return &testGraph{
		blocks: []*testBlock{
			{Attn1: &testAttention{
				ToQ: &nn.Linear{Weight: ml.NewFrom(weight, 2, 3)},
			}},
		},
	}
}

func mergeEntries(alpha *float64) []Entry {
	// up(2x1) @ down(1x3) = [[1 2 3], [2 4 6]]
	return []Entry{{
		Path:  "transformer_blocks.0.attn1.to_q",
		Down:  ml.NewFrom([]float32{1, 2, 3}, 1, 3),
		Up:    ml.NewFrom([]float32{1, 2}, 2, 1),
		Alpha: alpha,
	}}
}

func TestApplyZeroStrengthBitIdentical(t *testing.T) {
	weight := []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6}
	g := mergeGraph(weight)

	before := make([]uint32, len(weight))
	for i, v := range g.blocks[0].Attn1.ToQ.Weight.Data() {
		before[i] = math.Float32bits(v)
	}

	applied, err := Apply(g, mergeEntries(nil), 0)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	for i, v := range g.blocks[0].Attn1.ToQ.Weight.Data() {
		assert.Equal(t, before[i], math.Float32bits(v), "weight[%d] changed", i)
	}
}

func TestApplyDelta(t *testing.T) {
	g := mergeGraph(make([]float32, 6))

	applied, err := Apply(g, mergeEntries(nil), 1)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	want := []float32{1, 2, 3, 2, 4, 6}
	assert.Equal(t, want, g.blocks[0].Attn1.ToQ.Weight.Data())
}

func TestApplyAlphaScale(t *testing.T) {
	g := mergeGraph(make([]float32, 6))

	alpha := 0.5 // rank 1, so scale = alpha/rank = 0.5
	applied, err := Apply(g, mergeEntries(&alpha), 1)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	want := []float32{0.5, 1, 1.5, 1, 2, 3}
	assert.Equal(t, want, g.blocks[0].Attn1.ToQ.Weight.Data())
}

// Merging is additive, not idempotent: applying the same adapter twice
// accumulates exactly twice the delta, which for a linear strength scale
// equals a single application at double strength.
func TestApplyAdditive(t *testing.T) {
	twice := mergeGraph(make([]float32, 6))
	for i := 0; i < 2; i++ {
		applied, err := Apply(twice, mergeEntries(nil), 0.5)
		require.NoError(t, err)
		require.Equal(t, 1, applied)
	}

	double := mergeGraph(make([]float32, 6))
	_, err := Apply(double, mergeEntries(nil), 1.0)
	require.NoError(t, err)

	assert.Equal(t,
		double.blocks[0].Attn1.ToQ.Weight.Data(),
		twice.blocks[0].Attn1.ToQ.Weight.Data(),
		"two applications at s must accumulate to one at 2s")

	single := mergeGraph(make([]float32, 6))
	_, err = Apply(single, mergeEntries(nil), 0.5)
	require.NoError(t, err)

	assert.NotEqual(t,
		single.blocks[0].Attn1.ToQ.Weight.Data(),
		twice.blocks[0].Attn1.ToQ.Weight.Data(),
		"second application must not be a no-op")
}

func TestApplyUnresolvedSkipped(t *testing.T) {
	g := mergeGraph(make([]float32, 6))

	entries := append(mergeEntries(nil), Entry{
		Path: "transformer_blocks.7.attn1.to_q",
		Down: ml.NewFrom([]float32{1, 1, 1}, 1, 3),
		Up:   ml.NewFrom([]float32{1, 1}, 2, 1),
	})

	applied, err := Apply(g, entries, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, applied, "unresolved path must be skipped, not fail")
}

func TestApplyDeltaCastToWeightDType(t *testing.T) {
	g := mergeGraph(make([]float32, 6))
	w := g.blocks[0].Attn1.ToQ.Weight.AsDType(ml.DTypeF16)

	_, err := Apply(g, mergeEntries(nil), 1.0/3.0)
	require.NoError(t, err)

	require.Equal(t, ml.DTypeF16, w.DType())
	for i, v := range w.Data() {
		q := ml.NewFrom([]float32{v}).AsDType(ml.DTypeF16)
		assert.Equal(t, q.Data()[0], v, "weight[%d] off the f16 grid", i)
	}
}

func TestApplyShapeMismatch(t *testing.T) {
	g := mergeGraph(make([]float32, 6))

	entries := []Entry{{
		Path: "transformer_blocks.0.attn1.to_q",
		Down: ml.NewFrom([]float32{1, 2}, 1, 2), // in_features 2, weight has 3
		Up:   ml.NewFrom([]float32{1, 2}, 2, 1),
	}}

	_, err := Apply(g, entries, 1)
	require.Error(t, err)
}

func TestMergeFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter.safetensors")
	require.NoError(t, safetensors.Write(path, map[string]*ml.Array{
		"transformer.transformer_blocks.0.attn1.to_q.lora_A.weight": ml.NewFrom([]float32{1, 2, 3}, 1, 3),
		"transformer.transformer_blocks.0.attn1.to_q.lora_B.weight": ml.NewFrom([]float32{1, 2}, 2, 1),
	}))

	g := mergeGraph(make([]float32, 6))
	applied, err := MergeFile(g, path, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []float32{1, 2, 3, 2, 4, 6}, g.blocks[0].Attn1.ToQ.Weight.Data())
}

func TestMergeFileMissing(t *testing.T) {
	g := mergeGraph(make([]float32, 6))

	_, err := MergeFile(g, filepath.Join(t.TempDir(), "nope.safetensors"), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdapterLoad))
}
