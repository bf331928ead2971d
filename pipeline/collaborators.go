package pipeline

import (
	"context"

	"github.com/ltxav/ltxav/ml"
)

// Embeddings is the text encoder's output: one conditioning sequence for the
// video stream and one for the audio stream.
type Embeddings struct {
	Video *ml.Array
	Audio *ml.Array
}

// Release frees both conditioning sequences.
func (e Embeddings) Release() {
	e.Video.Release()
	e.Audio.Release()
}

// TextEncoder maps a prompt to per-stream conditioning embeddings.
type TextEncoder interface {
	Encode(ctx context.Context, prompt string) (Embeddings, error)
}

// PromptEnhancer rewrites a terse user prompt into a fuller scene
// description. Strength of sampling is controlled by the options it was
// constructed with.
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt string) (string, error)
}

// DenoiseInput is one transformer invocation: the current latents, their
// position grids, the conditioning embeddings and the per-frame timestep
// vectors (sigma scaled by the denoise mask).
type DenoiseInput struct {
	VideoLatent    *ml.Array
	AudioLatent    *ml.Array
	VideoPositions *ml.Array
	AudioPositions *ml.Array
	Embeddings     Embeddings
	VideoTimestep  *ml.Array
	AudioTimestep  float32
}

// Denoiser is the joint audio-video transformer. Modules returns the root of
// its module graph for LoRA merging; the returned velocities share the input
// latents' shapes.
type Denoiser interface {
	Modules() any
	Denoise(ctx context.Context, in DenoiseInput) (video, audio *ml.Array, err error)
}

// LatentEncoder maps a prepared reference image tensor (1,3,H,W in [-1,1])
// to a one-frame video latent at the matching latent resolution.
type LatentEncoder interface {
	EncodeImage(ctx context.Context, image *ml.Array) (*ml.Array, error)
}

// LatentUpsampler doubles the spatial size of a video latent between stages.
type LatentUpsampler interface {
	Upsample(ctx context.Context, latent *ml.Array) (*ml.Array, error)
}

// VideoDecoder maps a video latent (1,C,F,h,w) to pixel frames
// (frames, H, W, 3) with values in [0,1].
type VideoDecoder interface {
	DecodeVideo(ctx context.Context, latent *ml.Array) (*ml.Array, error)
}

// AudioDecoder maps an audio latent (1,C,A,bins) to a mono waveform in
// [-1,1].
type AudioDecoder interface {
	DecodeAudio(ctx context.Context, latent *ml.Array) (*ml.Array, error)
}

// Releaser frees a collaborator's weights. The pipeline releases every
// heavyweight collaborator as soon as its phase completes and clears the
// buffer cache before the next phase allocates.
type Releaser interface {
	Release()
}

// MediaWriter encodes decoded frames and audio to the output file. Mux
// failure is recoverable: the implementation keeps the video-only file and
// reports hasAudio=false.
type MediaWriter interface {
	WriteVideo(path string, frames *ml.Array, fps int) error
	Mux(videoPath, audioPath, outPath string) error
	WriteWAV(path string, samples *ml.Array, sampleRate int) error
}

// ImageLoader decodes and resizes a source image to a (1,3,H,W) tensor with
// values in [-1,1], ready for latent encoding.
type ImageLoader interface {
	LoadImage(path string, height, width int) (*ml.Array, error)
}

// Progress receives coarse phase messages, overall percent estimates and
// per-step updates during denoising. Stage is 1-based; step ranges over
// [1, total].
type Progress interface {
	Status(msg string)
	Percent(pct int, msg string)
	Step(stage, step, total int, msg string)
}

// NopProgress discards all updates.
type NopProgress struct{}

func (NopProgress) Status(string)              {}
func (NopProgress) Percent(int, string)        {}
func (NopProgress) Step(int, int, int, string) {}

// release releases c when it implements Releaser, then drops cached buffers.
// Heavyweight phases call it the moment their collaborator is done.
func release(c any) {
	if r, ok := c.(Releaser); ok {
		r.Release()
	}
	ml.ClearCache()
}
