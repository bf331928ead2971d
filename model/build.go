package model

import (
	"fmt"

	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/safetensors"
)

// Build assembles a generator from the safetensors archives in dir. The
// transformer is the only heavyweight component; the pipeline releases it
// after stage 2 and every codec after its own phase. Media, Loader and
// Progress are wired by the caller.
func Build(dir string) (*pipeline.Generator, error) {
	f, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}

	transformer, err := LoadTransformer(f)
	if err != nil {
		return nil, err
	}

	videoDecoder, err := LoadVideoDecoder(f, transformer.ProjOut.OutFeatures())
	if err != nil {
		return nil, err
	}
	imageEncoder, err := LoadImageEncoder(f, transformer.PatchifyProj.InFeatures())
	if err != nil {
		return nil, err
	}
	upsampler, err := LoadUpsampler(f)
	if err != nil {
		return nil, err
	}

	text := NewTextEncoder()
	if blocks := transformer.TransformerBlocks; len(blocks) > 0 && blocks[0].Attn2 != nil {
		text.VideoDim = blocks[0].Attn2.ToK.InFeatures()
	}

	return &pipeline.Generator{
		TextEncoder:  text,
		Enhancer:     &Enhancer{},
		Denoiser:     transformer,
		Encoder:      imageEncoder,
		Upsampler:    upsampler,
		VideoDecoder: videoDecoder,
		AudioDecoder: NewAudioDecoder(),
	}, nil
}
