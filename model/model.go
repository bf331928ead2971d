// Package model holds the joint audio-video diffusion transformer and the
// lightweight built-in codecs around it: a text encoder, a latent upsampler,
// preview decoders for video and audio, and an image-to-latent encoder. The
// transformer's module graph is addressable by dotted path for LoRA merging.
package model

import (
	"fmt"
	"log/slog"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/ml/nn"
	"github.com/ltxav/ltxav/safetensors"
)

// Attention is one attention sublayer. For self-attention queries, keys and
// values all come from the stream; for cross-attention keys and values come
// from the text embedding.
type Attention struct {
	ToQ   *nn.Linear `st:"to_q"`
	ToK   *nn.Linear `st:"to_k"`
	ToV   *nn.Linear `st:"to_v"`
	ToOut *nn.Linear `st:"to_out"`
}

// FeedForward is the projected-GELU MLP sublayer.
type FeedForward struct {
	ProjIn  *nn.Linear `st:"proj_in"`
	ProjOut *nn.Linear `st:"proj_out"`
}

// TimestepEmbedder maps a sinusoidal timestep encoding to the modulation
// space.
type TimestepEmbedder struct {
	Linear1 *nn.Linear `st:"linear1"`
	Linear2 *nn.Linear `st:"linear2"`
}

// Block is one transformer layer. Video and audio tokens attend jointly in
// Attn1, cross-attend to the text embedding in Attn2, then pass through their
// stream's feed-forward.
type Block struct {
	Attn1   *Attention   `st:"attn1"`
	Attn2   *Attention   `st:"attn2"`
	FF      *FeedForward `st:"ff"`
	AudioFF *FeedForward `st:"audio_ff"`

	ScaleShiftTable *ml.Array `st:"scale_shift_table"`
}

// Transformer is the denoiser's module graph. Weights are populated from a
// safetensors archive by the st field tags; LoRA paths resolve against the
// same tags.
type Transformer struct {
	PatchifyProj      *nn.Linear `st:"patchify_proj"`
	ProjOut           *nn.Linear `st:"proj_out"`
	AudioPatchifyProj *nn.Linear `st:"audio_patchify_proj"`
	AudioProjOut      *nn.Linear `st:"audio_proj_out"`

	TimeEmbed *TimestepEmbedder `st:"time_embed"`

	TransformerBlocks []*Block `st:"transformer_blocks"`
}

// Dim returns the transformer's token width.
func (t *Transformer) Dim() int { return t.PatchifyProj.OutFeatures() }

// Modules returns the module graph root for adapter merging.
func (t *Transformer) Modules() any { return t }

// Release frees all of the transformer's weights.
func (t *Transformer) Release() {
	releaseFields(t)
}

// LoadTransformer populates a transformer from an opened archive. Tensor
// names follow the graph's st tags joined with dots; the block count is
// discovered from the archive.
func LoadTransformer(f *safetensors.File) (*Transformer, error) {
	t := &Transformer{}
	if err := populate(f, t, ""); err != nil {
		return nil, fmt.Errorf("loading transformer: %w", err)
	}
	if t.PatchifyProj == nil || t.ProjOut == nil {
		return nil, fmt.Errorf("archive is missing the transformer projections")
	}
	if len(t.TransformerBlocks) == 0 {
		return nil, fmt.Errorf("archive has no transformer blocks")
	}
	slog.Info("loaded transformer", "blocks", len(t.TransformerBlocks), "dim", t.Dim())
	return t, nil
}
