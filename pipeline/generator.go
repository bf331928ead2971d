package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/ltxav/ltxav/envconfig"
	"github.com/ltxav/ltxav/lora"
	"github.com/ltxav/ltxav/ml"
)

// Generator wires the generation collaborators together and drives the
// two-stage denoising process. Enhancer, Encoder and Loader may be nil when
// prompt enhancement or image conditioning is not used; everything else is
// required.
type Generator struct {
	TextEncoder  TextEncoder
	Enhancer     PromptEnhancer
	Denoiser     Denoiser
	Encoder      LatentEncoder
	Loader       ImageLoader
	Upsampler    LatentUpsampler
	VideoDecoder VideoDecoder
	AudioDecoder AudioDecoder
	Media        MediaWriter
	Progress     Progress
}

// Result reports a finished generation.
type Result struct {
	VideoPath      string `json:"video_path"`
	AudioPath      string `json:"audio_path,omitempty"`
	Seed           int64  `json:"seed"`
	Mode           string `json:"mode"`
	HasAudio       bool   `json:"has_audio"`
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
	LoRALayers     int    `json:"lora_layers,omitempty"`
}

// Generate runs one full generation: validate, encode the prompt, merge the
// adapter if requested, denoise both stages, decode, and write the output
// file. Collaborators are released phase by phase so that at most one
// heavyweight model's working set is live at a time.
func (g *Generator) Generate(ctx context.Context, cfg GenerationConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	progress := g.Progress
	if progress == nil {
		progress = NopProgress{}
	}

	sched1, sched2 := Stage1Sigmas, Stage2Sigmas
	if cfg.Stage1Schedule != nil {
		sched1 = cfg.Stage1Schedule
	}
	if cfg.Stage2Schedule != nil {
		sched2 = cfg.Stage2Schedule
	}
	if err := sched1.Validate(); err != nil {
		return nil, fmt.Errorf("stage 1 schedule: %w", err)
	}
	if err := sched2.Validate(); err != nil {
		return nil, fmt.Errorf("stage 2 schedule: %w", err)
	}

	result := &Result{VideoPath: cfg.OutputPath, Seed: cfg.Seed, Mode: cfg.Mode()}
	rng := rand.New(rand.NewSource(cfg.Seed))

	prompt := cfg.Prompt
	if cfg.EnhancePrompt && g.Enhancer != nil {
		progress.Status("Enhancing prompt...")
		enhanced, err := g.Enhancer.Enhance(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("enhancing prompt: %w", err)
		}
		prompt = enhanced
		result.EnhancedPrompt = enhanced
	}

	progress.Status("Encoding prompt...")
	progress.Percent(5, "encoding prompt")
	emb, err := g.TextEncoder.Encode(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}
	var guide *guidance
	if cfg.Guided() {
		negEmb, err := g.TextEncoder.Encode(ctx, cfg.NegativePrompt)
		if err != nil {
			return nil, fmt.Errorf("encoding negative prompt: %w", err)
		}
		guide = &guidance{emb: negEmb, scale: float32(cfg.GuidanceScale)}
	}
	release(g.TextEncoder)

	if cfg.LoRAPath != "" {
		progress.Status(fmt.Sprintf("Applying LoRA: %s (strength=%g)", filepath.Base(cfg.LoRAPath), cfg.LoRAStrength))
		applied, err := lora.MergeFile(g.Denoiser.Modules(), cfg.LoRAPath, cfg.LoRAStrength)
		if err != nil {
			if !errors.Is(err, lora.ErrAdapterLoad) {
				return nil, fmt.Errorf("merging adapter: %w", err)
			}
			// Unreadable adapter: generate with unmodified weights.
			slog.Warn("skipping adapter", "error", err)
		}
		result.LoRALayers = applied
	}

	var stage1Ref, stage2Ref *ml.Array
	if cfg.Image != "" {
		progress.Status("Encoding conditioning image...")
		stage1Ref, stage2Ref, err = g.encodeImage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		release(g.Encoder)
	}

	frames := cfg.LatentFrames()
	audioFrames := cfg.AudioFrames()
	audioPositions := AudioPositionGrid(audioFrames)

	// Stage 1: coarse generation at half resolution from pure noise.
	h1, w1 := cfg.StageDims(1)
	progress.Status(fmt.Sprintf("Stage 1: generating at %dx%d (%d steps)...", cfg.Width/2, cfg.Height/2, sched1.Steps()))
	progress.Percent(10, "stage 1")

	state := NewLatentState(ml.New(1, VideoLatentChannels, frames, h1, w1))
	if stage1Ref != nil {
		state = state.Conditioned(ConditioningSpec{
			Reference: stage1Ref,
			FrameIdx:  cfg.ImageFrameIdx,
			Strength:  cfg.ImageStrength,
		})
	}
	noise := ml.Normal(rng, 1, VideoLatentChannels, frames, h1, w1)
	state = state.Renoised(noise, sched1[0])
	noise.Release()

	audio := ml.Normal(rng, 1, AudioLatentChannels, audioFrames, AudioMelBins)

	if err := g.denoise(ctx, 1, state, audio, sched1, emb, guide, VideoPositionGrid(frames, h1, w1), audioPositions, progress); err != nil {
		return nil, fmt.Errorf("stage 1: %w", err)
	}

	// Stage transition: upsample the video latent 2x, then re-noise both
	// streams at stage 2's starting sigma.
	progress.Status("Upsampling video latents 2x...")
	progress.Percent(55, "upsampling")
	upsampled, err := g.Upsampler.Upsample(ctx, state.Latent)
	if err != nil {
		return nil, fmt.Errorf("upsampling: %w", err)
	}
	state.Release()
	release(g.Upsampler)

	h2, w2 := cfg.StageDims(2)
	progress.Status(fmt.Sprintf("Stage 2: refining at %dx%d (%d steps)...", cfg.Width, cfg.Height, sched2.Steps()))
	progress.Percent(60, "stage 2")

	state = NewLatentState(upsampled)
	upsampled.Release()
	if stage2Ref != nil {
		state = state.Conditioned(ConditioningSpec{
			Reference: stage2Ref,
			FrameIdx:  cfg.ImageFrameIdx,
			Strength:  cfg.ImageStrength,
		})
	}
	noise = ml.Normal(rng, 1, VideoLatentChannels, frames, h2, w2)
	state = state.Renoised(noise, sched2[0])
	noise.Release()

	audioNoise := ml.Normal(rng, audio.Shape()...)
	renoised := ml.Lerp(audio, audioNoise, sched2[0])
	audio.Release()
	audioNoise.Release()
	audio = renoised

	if err := g.denoise(ctx, 2, state, audio, sched2, emb, guide, VideoPositionGrid(frames, h2, w2), audioPositions, progress); err != nil {
		return nil, fmt.Errorf("stage 2: %w", err)
	}
	audioPositions.Release()
	emb.Release()
	if guide != nil {
		guide.emb.Release()
	}
	release(g.Denoiser)

	// Decode and write media.
	progress.Status("Decoding video...")
	progress.Percent(80, "decoding video")
	tiling, _ := TilingFromString(cfg.Tiling)
	pixels, err := TiledDecode(ctx, g.VideoDecoder, state.Latent, tiling)
	if err != nil {
		return nil, fmt.Errorf("decoding video: %w", err)
	}
	state.Release()
	release(g.VideoDecoder)

	var waveform *ml.Array
	if !cfg.NoAudio {
		progress.Status("Decoding audio...")
		progress.Percent(90, "decoding audio")
		waveform, err = g.AudioDecoder.DecodeAudio(ctx, audio)
		if err != nil {
			return nil, fmt.Errorf("decoding audio: %w", err)
		}
	}
	audio.Release()
	release(g.AudioDecoder)

	progress.Status("Writing output...")
	progress.Percent(95, "writing output")
	if err := g.writeMedia(cfg, pixels, waveform, result); err != nil {
		return nil, err
	}
	pixels.Release()
	if waveform != nil {
		waveform.Release()
	}
	ml.ClearCache()

	progress.Percent(100, "done")
	progress.Status("Video saved to: " + result.VideoPath)
	return result, nil
}

// guidance holds the unconditional embeddings and mix factor for
// classifier-free guidance. A nil guidance means one denoiser pass per step.
type guidance struct {
	emb   Embeddings
	scale float32
}

// denoise walks one stage's schedule, stepping both latents toward each
// next-lower sigma with a flow-match Euler update and re-imposing pinned
// frames after every step. Transformer failures propagate to the caller
// untouched; steps are not repeatable.
func (g *Generator) denoise(ctx context.Context, stage int, state LatentState, audio *ml.Array, sched Schedule, emb Embeddings, guide *guidance, videoPositions, audioPositions *ml.Array, progress Progress) error {
	defer videoPositions.Release()

	total := sched.Steps()
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sigma := sched[i]
		progress.Step(stage, i+1, total, fmt.Sprintf("sigma %.4f", sigma))

		ts := state.Timesteps(sigma)
		in := DenoiseInput{
			VideoLatent:    state.Latent,
			AudioLatent:    audio,
			VideoPositions: videoPositions,
			AudioPositions: audioPositions,
			Embeddings:     emb,
			VideoTimestep:  ts,
			AudioTimestep:  sigma,
		}
		video, audioOut, err := g.Denoiser.Denoise(ctx, in)
		if err != nil {
			ts.Release()
			return fmt.Errorf("step %d: %w", i+1, err)
		}

		if guide != nil {
			in.Embeddings = guide.emb
			uncondVideo, uncondAudio, err := g.Denoiser.Denoise(ctx, in)
			if err != nil {
				ts.Release()
				video.Release()
				audioOut.Release()
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			// v = u + s*(c-u); scale > 1 extrapolates past the
			// conditional prediction.
			mixed := ml.Lerp(uncondVideo, video, guide.scale)
			video.Release()
			uncondVideo.Release()
			video = mixed

			mixed = ml.Lerp(uncondAudio, audioOut, guide.scale)
			audioOut.Release()
			uncondAudio.Release()
			audioOut = mixed
		}
		ts.Release()

		dt := sched[i+1] - sigma
		video.ScaleInPlace(dt)
		state.Latent.AddInPlace(video)
		video.Release()

		audioOut.ScaleInPlace(dt)
		audio.AddInPlace(audioOut)
		audioOut.Release()

		state.HoldConditioned()
	}
	return nil
}

// encodeImage loads the conditioning image at both stage resolutions and
// encodes each to a one-frame reference latent.
func (g *Generator) encodeImage(ctx context.Context, cfg GenerationConfig) (stage1, stage2 *ml.Array, err error) {
	if g.Encoder == nil || g.Loader == nil {
		return nil, nil, fmt.Errorf("image conditioning requires an image encoder")
	}

	img, err := g.Loader.LoadImage(cfg.Image, cfg.Height/2, cfg.Width/2)
	if err != nil {
		return nil, nil, fmt.Errorf("loading image: %w", err)
	}
	stage1, err = g.Encoder.EncodeImage(ctx, img)
	img.Release()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding image: %w", err)
	}

	img, err = g.Loader.LoadImage(cfg.Image, cfg.Height, cfg.Width)
	if err != nil {
		return nil, nil, fmt.Errorf("loading image: %w", err)
	}
	stage2, err = g.Encoder.EncodeImage(ctx, img)
	img.Release()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding image: %w", err)
	}
	return stage1, stage2, nil
}

// writeMedia encodes the frames, writes the audio track and muxes them. A
// mux failure keeps the video-only file instead of discarding the work.
func (g *Generator) writeMedia(cfg GenerationConfig, pixels, waveform *ml.Array, result *Result) error {
	if dir := filepath.Dir(cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	tempVideo := strings.TrimSuffix(cfg.OutputPath, filepath.Ext(cfg.OutputPath)) + ".temp.mp4"
	if err := g.Media.WriteVideo(tempVideo, pixels, cfg.FPS); err != nil {
		return fmt.Errorf("encoding video: %w", err)
	}

	if waveform == nil {
		if err := os.Rename(tempVideo, cfg.OutputPath); err != nil {
			return fmt.Errorf("renaming output: %w", err)
		}
		return nil
	}

	audioPath := strings.TrimSuffix(cfg.OutputPath, filepath.Ext(cfg.OutputPath)) + ".wav"
	if err := g.Media.WriteWAV(audioPath, waveform, AudioSampleRate); err != nil {
		return fmt.Errorf("writing audio: %w", err)
	}

	if err := g.Media.Mux(tempVideo, audioPath, cfg.OutputPath); err != nil {
		slog.Warn("muxing failed, keeping video without audio", "error", err)
		if err := os.Rename(tempVideo, cfg.OutputPath); err != nil {
			return fmt.Errorf("renaming output: %w", err)
		}
	} else {
		if !envconfig.KeepTemp {
			os.Remove(tempVideo)
		}
		result.HasAudio = true
	}

	if cfg.SaveAudioSeparately {
		result.AudioPath = audioPath
	} else if !envconfig.KeepTemp {
		os.Remove(audioPath)
	}
	return nil
}
