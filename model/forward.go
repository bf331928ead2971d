package model

import (
	"context"
	"fmt"
	"math"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/ml/nn"
	"github.com/ltxav/ltxav/pipeline"
)

const timestepScale = 1000

// Denoise runs the transformer jointly over both streams and returns the
// predicted velocities, shaped like the input latents. Video and audio tokens
// share self-attention within each block; the video stream cross-attends to
// the text embedding, and each stream has its own feed-forward.
func (t *Transformer) Denoise(ctx context.Context, in pipeline.DenoiseInput) (video, audio *ml.Array, err error) {
	frames, h, w := in.VideoLatent.Dim(2), in.VideoLatent.Dim(3), in.VideoLatent.Dim(4)
	audioFrames := in.AudioLatent.Dim(2)

	vx, err := t.PatchifyProj.Forward(videoTokens(in.VideoLatent))
	if err != nil {
		return nil, nil, fmt.Errorf("patchify: %w", err)
	}
	ax, err := t.AudioPatchifyProj.Forward(audioTokens(in.AudioLatent))
	if err != nil {
		return nil, nil, fmt.Errorf("audio patchify: %w", err)
	}

	dim := t.Dim()
	vpos := videoPositionEncoding(in.VideoPositions, frames, h, w, dim)
	vx.AddInPlace(vpos)
	vpos.Release()
	apos := audioPositionEncoding(audioFrames, dim)
	ax.AddInPlace(apos)
	apos.Release()

	vt, err := t.timestepEmbedding(perTokenTimesteps(in.VideoTimestep, frames, h*w), dim)
	if err != nil {
		return nil, nil, err
	}
	at, err := t.timestepEmbedding(constTimesteps(in.AudioTimestep, audioFrames), dim)
	if err != nil {
		return nil, nil, err
	}
	temb := concatRows(vt, at)
	vt.Release()
	at.Release()
	defer temb.Release()

	norm := &nn.RMSNorm{}
	for i, blk := range t.TransformerBlocks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if vx, ax, err = blk.forward(vx, ax, temb, in.Embeddings.Video, norm); err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i, err)
		}
	}

	vOut, err := t.ProjOut.Forward(vx)
	vx.Release()
	if err != nil {
		return nil, nil, fmt.Errorf("unpatchify: %w", err)
	}
	aOut, err := t.AudioProjOut.Forward(ax)
	ax.Release()
	if err != nil {
		return nil, nil, fmt.Errorf("audio unpatchify: %w", err)
	}

	return videoLatentFromTokens(vOut, in.VideoLatent.Shape()),
		audioLatentFromTokens(aOut, in.AudioLatent.Shape()), nil
}

// forward applies one block: modulated joint self-attention over the
// concatenated streams, text cross-attention on the video stream, then
// per-stream feed-forward. The input token arrays are consumed.
func (b *Block) forward(vx, ax, temb, text *ml.Array, norm *nn.RMSNorm) (*ml.Array, *ml.Array, error) {
	nv := vx.Dim(0)
	joint := concatRows(vx, ax)
	vx.Release()
	ax.Release()

	modulated := norm.Forward(joint)
	b.modulate(modulated, temb)
	attn, err := b.Attn1.attend(modulated, modulated)
	modulated.Release()
	if err != nil {
		return nil, nil, fmt.Errorf("attn1: %w", err)
	}
	b.gate(attn)
	joint.AddInPlace(attn)
	attn.Release()

	vx, ax = splitRows(joint, nv)
	joint.Release()

	if b.Attn2 != nil && text != nil {
		q := norm.Forward(vx)
		cross, err := b.Attn2.attend(q, text)
		q.Release()
		if err != nil {
			return nil, nil, fmt.Errorf("attn2: %w", err)
		}
		vx.AddInPlace(cross)
		cross.Release()
	}

	if err := applyFF(b.FF, vx, norm); err != nil {
		return nil, nil, fmt.Errorf("ff: %w", err)
	}
	ff := b.AudioFF
	if ff == nil {
		ff = b.FF
	}
	if err := applyFF(ff, ax, norm); err != nil {
		return nil, nil, fmt.Errorf("audio_ff: %w", err)
	}
	return vx, ax, nil
}

// modulate applies the block's learned shift and scale rows plus the
// timestep embedding to normalized tokens, in place.
func (b *Block) modulate(x, temb *ml.Array) {
	dim := x.Dim(1)
	if b.ScaleShiftTable != nil && b.ScaleShiftTable.Numel() >= 2*dim {
		shift := b.ScaleShiftTable.Data()[:dim]
		scale := b.ScaleShiftTable.Data()[dim : 2*dim]
		data := x.Data()
		for i, v := range data {
			d := i % dim
			data[i] = v*(1+scale[d]) + shift[d]
		}
	}
	x.AddInPlace(temb)
}

// gate scales the attention output by the table's gate row when present.
func (b *Block) gate(x *ml.Array) {
	dim := x.Dim(1)
	if b.ScaleShiftTable == nil || b.ScaleShiftTable.Numel() < 3*dim {
		return
	}
	gate := b.ScaleShiftTable.Data()[2*dim : 3*dim]
	data := x.Data()
	for i := range data {
		data[i] *= gate[i%dim]
	}
}

func applyFF(ff *FeedForward, x *ml.Array, norm *nn.RMSNorm) error {
	if ff == nil {
		return nil
	}
	h := norm.Forward(x)
	hidden, err := ff.ProjIn.Forward(h)
	h.Release()
	if err != nil {
		return err
	}
	hidden.Gelu()
	out, err := ff.ProjOut.Forward(hidden)
	hidden.Release()
	if err != nil {
		return err
	}
	x.AddInPlace(out)
	out.Release()
	return nil
}

// attend is scaled dot-product attention with queries from q and keys/values
// from kv.
func (a *Attention) attend(q, kv *ml.Array) (*ml.Array, error) {
	qp, err := a.ToQ.Forward(q)
	if err != nil {
		return nil, err
	}
	kp, err := a.ToK.Forward(kv)
	if err != nil {
		return nil, err
	}
	vp, err := a.ToV.Forward(kv)
	if err != nil {
		return nil, err
	}

	kt := ml.Transpose(kp)
	scores, err := ml.MatMul(qp, kt)
	kt.Release()
	qp.Release()
	kp.Release()
	if err != nil {
		return nil, err
	}
	scores.ScaleInPlace(1 / float32(math.Sqrt(float64(vp.Dim(1)))))
	scores.SoftmaxRows()

	ctxOut, err := ml.MatMul(scores, vp)
	scores.Release()
	vp.Release()
	if err != nil {
		return nil, err
	}

	out, err := a.ToOut.Forward(ctxOut)
	ctxOut.Release()
	return out, err
}

// timestepEmbedding maps per-token timesteps through a sinusoidal encoding
// and the learned embedder MLP.
func (t *Transformer) timestepEmbedding(ts []float32, dim int) (*ml.Array, error) {
	sin := sinusoids(ts, t.TimeEmbed.Linear1.InFeatures())
	h, err := t.TimeEmbed.Linear1.Forward(sin)
	sin.Release()
	if err != nil {
		return nil, fmt.Errorf("time embed: %w", err)
	}
	h.Silu()
	out, err := t.TimeEmbed.Linear2.Forward(h)
	h.Release()
	if err != nil {
		return nil, fmt.Errorf("time embed: %w", err)
	}
	if out.Dim(1) != dim {
		defer out.Release()
		return nil, fmt.Errorf("time embed width %d does not match model dim %d", out.Dim(1), dim)
	}
	return out, nil
}

// sinusoids encodes each timestep as interleaved sin/cos pairs with
// log-spaced frequencies, the standard diffusion timestep encoding.
func sinusoids(ts []float32, dim int) *ml.Array {
	out := ml.New(len(ts), dim)
	half := dim / 2
	for r, tv := range ts {
		x := float64(tv) * timestepScale
		for i := 0; i < half; i++ {
			freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
			out.Data()[r*dim+2*i] = float32(math.Sin(x * freq))
			out.Data()[r*dim+2*i+1] = float32(math.Cos(x * freq))
		}
	}
	return out
}

func perTokenTimesteps(frameTs *ml.Array, frames, perFrame int) []float32 {
	out := make([]float32, frames*perFrame)
	for f := 0; f < frames; f++ {
		for i := 0; i < perFrame; i++ {
			out[f*perFrame+i] = frameTs.Data()[f]
		}
	}
	return out
}

func constTimesteps(t float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = t
	}
	return out
}

// videoPositionEncoding splits the channel dim in thirds, one per axis, each
// encoded sinusoidally from the position grid.
func videoPositionEncoding(grid *ml.Array, frames, h, w, dim int) *ml.Array {
	n := frames * h * w
	out := ml.New(n, dim)
	third := dim / 3
	for axis := 0; axis < 3; axis++ {
		for tok := 0; tok < n; tok++ {
			pos := float64(grid.Data()[axis*n+tok])
			for i := 0; i < third/2; i++ {
				freq := math.Pow(10000, -2*float64(i)/float64(third))
				out.Data()[tok*dim+axis*third+2*i] = float32(math.Sin(pos * freq))
				out.Data()[tok*dim+axis*third+2*i+1] = float32(math.Cos(pos * freq))
			}
		}
	}
	return out
}

func audioPositionEncoding(frames, dim int) *ml.Array {
	out := ml.New(frames, dim)
	for tok := 0; tok < frames; tok++ {
		for i := 0; i < dim/2; i++ {
			freq := math.Pow(10000, -2*float64(i)/float64(dim))
			out.Data()[tok*dim+2*i] = float32(math.Sin(float64(tok) * freq))
			out.Data()[tok*dim+2*i+1] = float32(math.Cos(float64(tok) * freq))
		}
	}
	return out
}

// videoTokens flattens a (1,C,F,h,w) latent to (F*h*w, C) rows.
func videoTokens(latent *ml.Array) *ml.Array {
	c, frames, h, w := latent.Dim(1), latent.Dim(2), latent.Dim(3), latent.Dim(4)
	n := frames * h * w
	out := ml.New(n, c)
	for ch := 0; ch < c; ch++ {
		for tok := 0; tok < n; tok++ {
			out.Data()[tok*c+ch] = latent.Data()[ch*n+tok]
		}
	}
	return out
}

func videoLatentFromTokens(tokens *ml.Array, shape []int) *ml.Array {
	out := ml.New(shape...)
	c := shape[1]
	n := shape[2] * shape[3] * shape[4]
	for ch := 0; ch < c; ch++ {
		for tok := 0; tok < n; tok++ {
			out.Data()[ch*n+tok] = tokens.Data()[tok*c+ch]
		}
	}
	tokens.Release()
	return out
}

// audioTokens flattens a (1,C,A,bins) latent to (A, C*bins) rows.
func audioTokens(latent *ml.Array) *ml.Array {
	c, frames, bins := latent.Dim(1), latent.Dim(2), latent.Dim(3)
	out := ml.New(frames, c*bins)
	for ch := 0; ch < c; ch++ {
		for f := 0; f < frames; f++ {
			for b := 0; b < bins; b++ {
				out.Data()[f*c*bins+ch*bins+b] = latent.Data()[(ch*frames+f)*bins+b]
			}
		}
	}
	return out
}

func audioLatentFromTokens(tokens *ml.Array, shape []int) *ml.Array {
	out := ml.New(shape...)
	c, frames, bins := shape[1], shape[2], shape[3]
	for ch := 0; ch < c; ch++ {
		for f := 0; f < frames; f++ {
			for b := 0; b < bins; b++ {
				out.Data()[(ch*frames+f)*bins+b] = tokens.Data()[f*c*bins+ch*bins+b]
			}
		}
	}
	tokens.Release()
	return out
}

func concatRows(a, b *ml.Array) *ml.Array {
	cols := a.Dim(1)
	out := ml.New(a.Dim(0)+b.Dim(0), cols)
	copy(out.Data(), a.Data())
	copy(out.Data()[a.Numel():], b.Data())
	return out
}

func splitRows(x *ml.Array, n int) (*ml.Array, *ml.Array) {
	cols := x.Dim(1)
	a := ml.New(n, cols)
	b := ml.New(x.Dim(0)-n, cols)
	copy(a.Data(), x.Data()[:n*cols])
	copy(b.Data(), x.Data()[n*cols:])
	return a, b
}
