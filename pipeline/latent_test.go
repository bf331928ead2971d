package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltxav/ltxav/ml"
)

func constArray(v float32, shape ...int) *ml.Array {
	out := ml.New(shape...)
	for i := range out.Data() {
		out.Data()[i] = v
	}
	return out
}

func TestConditionedFrameZeroFullStrength(t *testing.T) {
	state := NewLatentState(ml.New(1, 2, 3, 2, 2))
	ref := constArray(7, 1, 2, 1, 2, 2)

	out := state.Conditioned(ConditioningSpec{Reference: ref, FrameIdx: 0, Strength: 1.0})

	// Frame 0 of the clean latent must equal the reference exactly; its mask
	// entry must be 0 so it is held rather than denoised.
	assert.Equal(t, float32(0), out.DenoiseMask.Data()[0])
	assert.Equal(t, float32(1), out.DenoiseMask.Data()[1])
	assert.Equal(t, float32(1), out.DenoiseMask.Data()[2])

	clean := out.CleanLatent.Data()
	frames, hw := 3, 4
	for ch := 0; ch < 2; ch++ {
		for i := 0; i < hw; i++ {
			assert.Equal(t, float32(7), clean[(ch*frames)*hw+i], "clean frame 0 ch %d", ch)
			assert.Equal(t, float32(0), clean[(ch*frames+1)*hw+i], "clean frame 1 ch %d", ch)
		}
	}
}

func TestConditionedDoesNotMutateInput(t *testing.T) {
	state := NewLatentState(ml.New(1, 1, 2, 1, 1))
	ref := constArray(5, 1)

	_ = state.Conditioned(ConditioningSpec{Reference: ref, FrameIdx: 1, Strength: 1.0})

	assert.Equal(t, float32(1), state.DenoiseMask.Data()[1], "input mask mutated")
	assert.Equal(t, float32(0), state.CleanLatent.Data()[1], "input clean latent mutated")
}

func TestConditionedLaterSpecWins(t *testing.T) {
	state := NewLatentState(ml.New(1, 1, 2, 1, 1))

	out := state.Conditioned(
		ConditioningSpec{Reference: constArray(3, 1), FrameIdx: 0, Strength: 1.0},
		ConditioningSpec{Reference: constArray(9, 1), FrameIdx: 0, Strength: 0.5},
	)

	assert.Equal(t, float32(9), out.CleanLatent.Data()[0])
	assert.Equal(t, float32(0.5), out.DenoiseMask.Data()[0])
}

func TestRenoisedBlendsPerFrame(t *testing.T) {
	state := NewLatentState(constArray(2, 1, 1, 2, 1, 1))
	state.DenoiseMask.Data()[0] = 0 // frame 0 held

	noise := constArray(10, 1, 1, 2, 1, 1)
	out := state.Renoised(noise, 0.5)

	// Held frame untouched; free frame is latent*(1-0.5) + noise*0.5.
	assert.Equal(t, float32(2), out.Latent.Data()[0])
	assert.Equal(t, float32(6), out.Latent.Data()[1])
	// Source state unchanged.
	assert.Equal(t, float32(2), state.Latent.Data()[1])
}

func TestHoldConditionedReimposesClean(t *testing.T) {
	state := NewLatentState(ml.New(1, 1, 2, 1, 1))
	state = state.Conditioned(ConditioningSpec{Reference: constArray(4, 1), FrameIdx: 0, Strength: 1.0})

	state.Latent.Data()[0] = 99 // as if a solver step drifted the held frame
	state.Latent.Data()[1] = 42
	state.HoldConditioned()

	assert.Equal(t, float32(4), state.Latent.Data()[0], "held frame must snap back to clean")
	assert.Equal(t, float32(42), state.Latent.Data()[1], "free frame must not change")
}

func TestTimesteps(t *testing.T) {
	state := NewLatentState(ml.New(1, 1, 3, 1, 1))
	state.DenoiseMask.Data()[1] = 0

	ts := state.Timesteps(0.8)
	require.Equal(t, []int{3}, ts.Shape())
	assert.InDelta(t, 0.8, ts.Data()[0], 1e-6)
	assert.Equal(t, float32(0), ts.Data()[1])
	assert.InDelta(t, 0.8, ts.Data()[2], 1e-6)
}
