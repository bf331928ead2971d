// Package pipeline drives two-stage joint video+audio latent diffusion: a
// coarse low-resolution stage, a spatial upsample of the video latent, and a
// short refinement stage, followed by decoding and muxing. Model components
// are collaborators behind interfaces; the pipeline owns schedule traversal,
// latent state threading and the release discipline between phases.
package pipeline

import (
	"fmt"
	"math"
)

const (
	// VideoLatentChannels is the channel width of the video VAE latent.
	VideoLatentChannels = 128
	// Spatial VAE compression per side at full resolution.
	spatialDownsample = 32
	// Temporal VAE compression: 8 pixel frames per latent frame.
	temporalDownsample = 8

	// AudioSampleRate is the waveform rate of the decoded audio track.
	AudioSampleRate = 24000
	// AudioLatentChannels and AudioMelBins shape the audio latent
	// (1, channels, frames, bins); flattened they match the video channel
	// width so both streams share the transformer's token dimension.
	AudioLatentChannels = 8
	AudioMelBins        = 16
	// audioSamplesPerLatent is the waveform hop covered by one audio latent
	// frame.
	audioSamplesPerLatent = 4096
)

// GenerationConfig carries one generation request. The mapstructure tags are
// the wire names of the host protocol's params object.
type GenerationConfig struct {
	Prompt         string `mapstructure:"prompt"`
	NegativePrompt string `mapstructure:"negative_prompt"`

	Height    int   `mapstructure:"height"`
	Width     int   `mapstructure:"width"`
	NumFrames int   `mapstructure:"num_frames"`
	FPS       int   `mapstructure:"fps"`
	Seed      int64 `mapstructure:"seed"`

	// GuidanceScale controls classifier-free guidance when a negative
	// prompt is set; values <= 1 disable the unconditional pass.
	GuidanceScale float64 `mapstructure:"guidance_scale"`

	OutputPath string `mapstructure:"output_path"`

	Image         string  `mapstructure:"image"`
	ImageStrength float64 `mapstructure:"image_strength"`
	ImageFrameIdx int     `mapstructure:"image_frame_idx"`

	LoRAPath     string  `mapstructure:"lora_path"`
	LoRAStrength float64 `mapstructure:"lora_strength"`

	Tiling              string `mapstructure:"tiling"`
	NoAudio             bool   `mapstructure:"no_audio"`
	SaveAudioSeparately bool   `mapstructure:"save_audio_separately"`

	EnhancePrompt     bool    `mapstructure:"enhance_prompt"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`

	// Schedule overrides, mainly for tests; empty means the built-in stage
	// schedules.
	Stage1Schedule Schedule `mapstructure:"-"`
	Stage2Schedule Schedule `mapstructure:"-"`
}

// DefaultConfig returns the host protocol's default generation parameters.
func DefaultConfig() GenerationConfig {
	return GenerationConfig{
		Height:        512,
		Width:         512,
		NumFrames:     65,
		FPS:           24,
		Seed:          42,
		GuidanceScale: 5.0,
		OutputPath:    "output.mp4",
		ImageStrength: 1.0,
		ImageFrameIdx: 0,
		LoRAStrength:  1.0,
		Tiling:        "auto",
	}
}

// Guided reports whether the denoiser runs an extra unconditional pass per
// step for classifier-free guidance.
func (c GenerationConfig) Guided() bool {
	return c.NegativePrompt != "" && c.GuidanceScale > 1
}

// Mode reports the generation mode string used in results: "i2v" when image
// conditioning is active, "t2v" otherwise.
func (c GenerationConfig) Mode() string {
	if c.Image != "" {
		return "i2v"
	}
	return "t2v"
}

// Validate checks the config and normalizes the frame count. It must pass
// before any model is loaded: dimension errors are fatal, while a
// non-conforming frame count is rounded to the nearest valid value.
func (c *GenerationConfig) Validate() error {
	if c.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if c.Height <= 0 || c.Height%64 != 0 {
		return fmt.Errorf("height must be a positive multiple of 64, got %d", c.Height)
	}
	if c.Width <= 0 || c.Width%64 != 0 {
		return fmt.Errorf("width must be a positive multiple of 64, got %d", c.Width)
	}
	if c.NumFrames <= 0 {
		return fmt.Errorf("num_frames must be positive, got %d", c.NumFrames)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.GuidanceScale < 0 {
		return fmt.Errorf("guidance_scale must be non-negative, got %v", c.GuidanceScale)
	}
	if c.ImageStrength < 0 || c.ImageStrength > 1 {
		return fmt.Errorf("image_strength must be in [0,1], got %v", c.ImageStrength)
	}
	if _, err := TilingFromString(c.Tiling); err != nil {
		return err
	}

	c.NumFrames = RoundFrames(c.NumFrames)

	// The conditioning index addresses a latent frame, not a pixel frame.
	if c.Image != "" && (c.ImageFrameIdx < 0 || c.ImageFrameIdx >= c.LatentFrames()) {
		return fmt.Errorf("image_frame_idx %d out of range for %d latent frames", c.ImageFrameIdx, c.LatentFrames())
	}
	return nil
}

// RoundFrames rounds n to the nearest frame count satisfying n mod 8 == 1.
// Ties round to even step counts, matching the reference behavior.
func RoundFrames(n int) int {
	if n%8 == 1 {
		return n
	}
	return int(math.RoundToEven(float64(n-1)/8))*8 + 1
}

// LatentFrames returns the temporal size of the video latent.
func (c GenerationConfig) LatentFrames() int {
	return (c.NumFrames-1)/temporalDownsample + 1
}

// StageDims returns the video latent's spatial size for a stage. Stage 1 runs
// at half the final latent resolution; stage 2 at full.
func (c GenerationConfig) StageDims(stage int) (h, w int) {
	if stage == 1 {
		return c.Height / 2 / spatialDownsample, c.Width / 2 / spatialDownsample
	}
	return c.Height / spatialDownsample, c.Width / spatialDownsample
}

// AudioFrames returns the temporal size of the audio latent for the clip
// duration.
func (c GenerationConfig) AudioFrames() int {
	seconds := float64(c.NumFrames) / float64(c.FPS)
	return int(math.Ceil(seconds * AudioSampleRate / audioSamplesPerLatent))
}

// AudioSamples returns the decoded waveform length.
func (c GenerationConfig) AudioSamples() int {
	return c.AudioFrames() * audioSamplesPerLatent
}
