package model

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltxav/ltxav/lora"
	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/safetensors"
)

const (
	testDim     = 6
	testChans   = 4
	testTextDim = 5
)

func randTensor(rng *rand.Rand, shape ...int) *ml.Array {
	out := ml.New(shape...)
	for i := range out.Data() {
		out.Data()[i] = float32(rng.NormFloat64()) * 0.1
	}
	return out
}

// writeTestModel writes a one-block transformer archive and returns its path.
func writeTestModel(t *testing.T) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))

	tensors := map[string]*ml.Array{
		"patchify_proj.weight":       randTensor(rng, testDim, testChans),
		"proj_out.weight":            randTensor(rng, testChans, testDim),
		"audio_patchify_proj.weight": randTensor(rng, testDim, testChans),
		"audio_proj_out.weight":      randTensor(rng, testChans, testDim),
		"time_embed.linear1.weight":  randTensor(rng, testDim, testDim),
		"time_embed.linear2.weight":  randTensor(rng, testDim, testDim),
	}
	block := "transformer_blocks.0."
	for _, name := range []string{"attn1.to_q", "attn1.to_k", "attn1.to_v", "attn1.to_out", "attn2.to_q", "attn2.to_out"} {
		tensors[block+name+".weight"] = randTensor(rng, testDim, testDim)
	}
	tensors[block+"attn2.to_k.weight"] = randTensor(rng, testDim, testTextDim)
	tensors[block+"attn2.to_v.weight"] = randTensor(rng, testDim, testTextDim)
	tensors[block+"ff.proj_in.weight"] = randTensor(rng, 2*testDim, testDim)
	tensors[block+"ff.proj_out.weight"] = randTensor(rng, testDim, 2*testDim)
	tensors[block+"audio_ff.proj_in.weight"] = randTensor(rng, 2*testDim, testDim)
	tensors[block+"audio_ff.proj_out.weight"] = randTensor(rng, testDim, 2*testDim)
	tensors[block+"scale_shift_table"] = randTensor(rng, 3, testDim)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, safetensors.Write(path, tensors))
	return path
}

func loadTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	f, err := safetensors.Open(writeTestModel(t))
	require.NoError(t, err)
	tr, err := LoadTransformer(f)
	require.NoError(t, err)
	return tr
}

func testDenoiseInput(rng *rand.Rand) pipeline.DenoiseInput {
	ts := ml.New(2)
	ts.Data()[0], ts.Data()[1] = 0.9, 0.9
	return pipeline.DenoiseInput{
		VideoLatent:    randTensor(rng, 1, testChans, 2, 2, 2),
		AudioLatent:    randTensor(rng, 1, 2, 3, 2),
		VideoPositions: pipeline.VideoPositionGrid(2, 2, 2),
		AudioPositions: pipeline.AudioPositionGrid(3),
		Embeddings: pipeline.Embeddings{
			Video: randTensor(rng, 2, testTextDim),
			Audio: randTensor(rng, 2, testTextDim),
		},
		VideoTimestep: ts,
		AudioTimestep: 0.9,
	}
}

func TestLoadTransformer(t *testing.T) {
	tr := loadTestTransformer(t)
	assert.Equal(t, testDim, tr.Dim())
	require.Len(t, tr.TransformerBlocks, 1)
	blk := tr.TransformerBlocks[0]
	assert.NotNil(t, blk.Attn1)
	assert.NotNil(t, blk.Attn2)
	assert.NotNil(t, blk.FF)
	assert.NotNil(t, blk.AudioFF)
	assert.NotNil(t, blk.ScaleShiftTable)
	assert.Nil(t, blk.Attn1.ToQ.Bias)
}

func TestDenoiseShapes(t *testing.T) {
	tr := loadTestTransformer(t)
	in := testDenoiseInput(rand.New(rand.NewSource(5)))

	video, audio, err := tr.Denoise(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.VideoLatent.Shape(), video.Shape())
	assert.Equal(t, in.AudioLatent.Shape(), audio.Shape())

	var nonzero bool
	for _, v := range video.Data() {
		if v != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero, "denoiser output must not be all zeros")
}

func TestDenoiseDeterministic(t *testing.T) {
	tr := loadTestTransformer(t)

	a, _, err := tr.Denoise(context.Background(), testDenoiseInput(rand.New(rand.NewSource(5))))
	require.NoError(t, err)
	b, _, err := tr.Denoise(context.Background(), testDenoiseInput(rand.New(rand.NewSource(5))))
	require.NoError(t, err)

	assert.Equal(t, a.Data(), b.Data())
}

// A merged adapter must change the denoiser output; merging at strength zero
// must not.
func TestLoRAAffectsDenoise(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	in := testDenoiseInput(rng)
	entry := lora.Entry{
		Path: "transformer_blocks.0.attn1.to_q",
		Down: randTensor(rng, 2, testDim),
		Up:   randTensor(rng, testDim, 2),
	}

	base := loadTestTransformer(t)
	want, _, err := base.Denoise(context.Background(), in)
	require.NoError(t, err)

	zero := loadTestTransformer(t)
	applied, err := lora.Apply(zero.Modules(), []lora.Entry{entry}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	got, _, err := zero.Denoise(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data(), "strength 0 must leave the model unchanged")

	patched := loadTestTransformer(t)
	_, err = lora.Apply(patched.Modules(), []lora.Entry{entry}, 5)
	require.NoError(t, err)
	changed, _, err := patched.Denoise(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, want.Data(), changed.Data(), "merged adapter must change the output")
}

func TestVideoDecoder(t *testing.T) {
	dec, err := LoadVideoDecoder(nil, testChans)
	require.NoError(t, err)
	dec.Scale = 2

	latent := randTensor(rand.New(rand.NewSource(9)), 1, testChans, 2, 3, 3)
	pixels, err := dec.DecodeVideo(context.Background(), latent)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 6, 6, 3}, pixels.Shape())
	for i, v := range pixels.Data() {
		require.GreaterOrEqual(t, v, float32(0), "pixel %d", i)
		require.LessOrEqual(t, v, float32(1), "pixel %d", i)
	}
}

func TestAudioDecoder(t *testing.T) {
	dec := NewAudioDecoder()
	latent := randTensor(rand.New(rand.NewSource(9)), 1, 2, 3, 4)

	wave, err := dec.DecodeAudio(context.Background(), latent)
	require.NoError(t, err)

	assert.Equal(t, 3*dec.HopSamples, wave.Numel())
	for _, v := range wave.Data() {
		require.LessOrEqual(t, float64(v), 0.951)
		require.GreaterOrEqual(t, float64(v), -0.951)
	}
}

func TestImageEncoder(t *testing.T) {
	enc, err := LoadImageEncoder(nil, testChans)
	require.NoError(t, err)

	img := randTensor(rand.New(rand.NewSource(9)), 1, 3, 64, 64)
	latent, err := enc.EncodeImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []int{1, testChans, 1, 2, 2}, latent.Shape())
}

func TestUpsampler(t *testing.T) {
	u, err := LoadUpsampler(nil)
	require.NoError(t, err)

	latent := randTensor(rand.New(rand.NewSource(9)), 1, 2, 2, 3, 3)
	up, err := u.Upsample(context.Background(), latent)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 6, 6}, up.Shape())

	// A constant plane stays constant under bilinear upsampling.
	flat := ml.New(1, 1, 1, 2, 2)
	for i := range flat.Data() {
		flat.Data()[i] = 3
	}
	up, err = u.Upsample(context.Background(), flat)
	require.NoError(t, err)
	for _, v := range up.Data() {
		assert.InDelta(t, 3, v, 1e-6)
	}
}

func TestTextEncoderDeterministic(t *testing.T) {
	enc := &TextEncoder{VideoDim: 8, AudioDim: 4, MaxTokens: 16}

	a, err := enc.Encode(context.Background(), "a cat by the window")
	require.NoError(t, err)
	b, err := enc.Encode(context.Background(), "a cat by the window")
	require.NoError(t, err)
	assert.Equal(t, a.Video.Data(), b.Video.Data())
	assert.Equal(t, a.Audio.Data(), b.Audio.Data())

	other, err := enc.Encode(context.Background(), "a dog on the porch")
	require.NoError(t, err)
	assert.NotEqual(t, a.Video.Data(), other.Video.Data())

	_, err = enc.Encode(context.Background(), "...")
	assert.Error(t, err, "punctuation-only prompt has no tokens")
}

func TestEnhancerDeterministic(t *testing.T) {
	e := &Enhancer{Temperature: 0.7, Seed: 42}

	a, err := e.Enhance(context.Background(), "a quiet forest")
	require.NoError(t, err)
	b, err := e.Enhance(context.Background(), "a quiet forest")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "a quiet forest")
	assert.Greater(t, len(a), len("a quiet forest"))

	_, err = e.Enhance(context.Background(), "   ")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	dir := filepath.Dir(writeTestModel(t))
	g, err := Build(dir)
	require.NoError(t, err)
	assert.NotNil(t, g.Denoiser)
	assert.NotNil(t, g.TextEncoder)
	assert.Equal(t, testTextDim, g.TextEncoder.(*TextEncoder).VideoDim)
}
