package pipeline

import (
	"fmt"

	"github.com/ltxav/ltxav/ml"
)

// ConditioningSpec pins one latent frame to a reference: the frame is written
// into the clean latent and its denoise mask entry becomes 1-Strength, so at
// strength 1 the frame is held fixed and never denoised.
type ConditioningSpec struct {
	Reference *ml.Array
	FrameIdx  int
	Strength  float64
}

// LatentState is the denoising target for the video stream: the evolving
// latent, the clean reference it is pinned to where conditioned, and the
// per-frame denoise mask (1 = noise-dominated, 0 = held at clean).
//
// States update by value: Conditioned and Renoised return new states backed
// by fresh tensors and never touch their receiver, so a blank state can
// seed both stages.
type LatentState struct {
	Latent      *ml.Array
	CleanLatent *ml.Array
	DenoiseMask *ml.Array
}

// NewLatentState builds a state around a working latent of shape
// (1, C, frames, H, W), with a zeroed clean latent and an all-ones mask.
// Stage 1 starts from a zero latent; stage 2 from the upsampled stage-1
// result. Conditioning then lowers the mask where frames are pinned.
func NewLatentState(latent *ml.Array) LatentState {
	if len(latent.Shape()) != 5 {
		panic(fmt.Sprintf("pipeline: latent must be 5D (1,C,F,H,W), got %v", latent.Shape()))
	}
	frames := latent.Dim(2)
	mask := ml.New(frames)
	for i := range mask.Data() {
		mask.Data()[i] = 1
	}
	return LatentState{
		Latent:      latent.Clone(),
		CleanLatent: ml.New(latent.Shape()...),
		DenoiseMask: mask,
	}
}

// Frames returns the temporal extent of the state.
func (s LatentState) Frames() int { return s.CleanLatent.Dim(2) }

// Conditioned returns a copy of the state with each spec's reference written
// into the clean and current latents at its frame and the mask lowered there.
// Specs apply in order; a later spec targeting the same frame wins.
func (s LatentState) Conditioned(specs ...ConditioningSpec) LatentState {
	out := LatentState{
		Latent:      s.Latent.Clone(),
		CleanLatent: s.CleanLatent.Clone(),
		DenoiseMask: s.DenoiseMask.Clone(),
	}
	for _, spec := range specs {
		if spec.FrameIdx < 0 || spec.FrameIdx >= out.Frames() {
			panic(fmt.Sprintf("pipeline: conditioning frame %d out of range [0,%d)", spec.FrameIdx, out.Frames()))
		}
		writeFrame(out.CleanLatent, spec.Reference, spec.FrameIdx)
		writeFrame(out.Latent, spec.Reference, spec.FrameIdx)
		out.DenoiseMask.Data()[spec.FrameIdx] = 1 - float32(spec.Strength)
	}
	return out
}

// Renoised returns a copy of the state whose latent is re-initialized for a
// stage starting at sigma: per frame, latent = noise*(mask*sigma) +
// latent*(1-mask*sigma). Starting from a zero latent with an all-ones mask
// and sigma 1 that is pure noise; a held frame keeps its pinned content;
// partially conditioned frames start proportionally closer to the reference.
func (s LatentState) Renoised(noise *ml.Array, sigma float32) LatentState {
	out := LatentState{
		Latent:      s.Latent.Clone(),
		CleanLatent: s.CleanLatent.Clone(),
		DenoiseMask: s.DenoiseMask.Clone(),
	}
	blendFrames(out.Latent, noise, out.DenoiseMask, sigma)
	return out
}

// HoldConditioned re-imposes the clean content on conditioned frames of the
// working latent after a solver step: frame <- frame*m + clean*(1-m). Frames
// with mask 1 are untouched. This mutates only the working latent, which the
// step loop owns.
func (s LatentState) HoldConditioned() {
	mask := s.DenoiseMask.Data()
	for f, m := range mask {
		if m >= 1 {
			continue
		}
		lerpFrame(s.Latent, s.CleanLatent, f, 1-m)
	}
}

// Timesteps returns the per-frame timestep vector sigma*mask: the transformer
// sees held frames as already denoised.
func (s LatentState) Timesteps(sigma float32) *ml.Array {
	ts := s.DenoiseMask.Clone()
	ts.ScaleInPlace(sigma)
	return ts
}

// Release frees the state's tensors.
func (s LatentState) Release() {
	s.Latent.Release()
	s.CleanLatent.Release()
	s.DenoiseMask.Release()
}

// writeFrame copies a one-frame reference latent (C*H*W values, any
// compatible shape) into frame f of a (1,C,F,H,W) latent.
func writeFrame(dst, ref *ml.Array, f int) {
	c, frames, hw := dst.Dim(1), dst.Dim(2), dst.Dim(3)*dst.Dim(4)
	if ref.Numel() != c*hw {
		panic(fmt.Sprintf("pipeline: reference has %d values, frame needs %d", ref.Numel(), c*hw))
	}
	for ch := 0; ch < c; ch++ {
		dstOff := (ch*frames + f) * hw
		copy(dst.Data()[dstOff:dstOff+hw], ref.Data()[ch*hw:(ch+1)*hw])
	}
}

// lerpFrame blends frame f of dst toward the same frame of src by t.
func lerpFrame(dst, src *ml.Array, f int, t float32) {
	c, frames, hw := dst.Dim(1), dst.Dim(2), dst.Dim(3)*dst.Dim(4)
	for ch := 0; ch < c; ch++ {
		off := (ch*frames + f) * hw
		d := dst.Data()[off : off+hw]
		s := src.Data()[off : off+hw]
		for i := range d {
			d[i] = d[i]*(1-t) + s[i]*t
		}
	}
}

// blendFrames computes latent = noise*(mask*sigma) + latent*(1-mask*sigma)
// frame by frame.
func blendFrames(latent, noise, mask *ml.Array, sigma float32) {
	c, frames, hw := latent.Dim(1), latent.Dim(2), latent.Dim(3)*latent.Dim(4)
	for f := 0; f < frames; f++ {
		t := mask.Data()[f] * sigma
		if t == 0 {
			continue
		}
		for ch := 0; ch < c; ch++ {
			off := (ch*frames + f) * hw
			d := latent.Data()[off : off+hw]
			n := noise.Data()[off : off+hw]
			for i := range d {
				d[i] = d[i]*(1-t) + n[i]*t
			}
		}
	}
}
