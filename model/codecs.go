package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/ml/nn"
	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/safetensors"
)

// spatialScale is the VAE's pixel-per-latent compression per side.
const spatialScale = 32

// VideoDecoder maps video latents to preview pixels: per-channel
// de-normalization, a learned linear projection to RGB, and bilinear
// upscaling to pixel resolution.
type VideoDecoder struct {
	Proj *nn.Linear `st:"proj"`
	Mean *ml.Array  `st:"latents_mean"`
	Std  *ml.Array  `st:"latents_std"`

	// Scale is the per-side latent-to-pixel upscale factor.
	Scale int
}

// LoadVideoDecoder reads decoder weights under the vae.decoder prefix,
// falling back to a deterministic projection when the archive has none.
func LoadVideoDecoder(f *safetensors.File, channels int) (*VideoDecoder, error) {
	d := &VideoDecoder{Scale: spatialScale}
	if f != nil {
		if err := populate(f, d, "vae.decoder"); err != nil {
			return nil, err
		}
	}
	if d.Proj == nil {
		d.Proj = defaultProjection(3, channels, 0x646563)
	}
	return d, nil
}

func (d *VideoDecoder) DecodeVideo(ctx context.Context, latent *ml.Array) (*ml.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, frames, h, w := latent.Dim(1), latent.Dim(2), latent.Dim(3), latent.Dim(4)

	out := ml.New(frames, h*d.Scale, w*d.Scale, 3)
	for f := 0; f < frames; f++ {
		tokens := ml.New(h*w, c)
		for ch := 0; ch < c; ch++ {
			mean, std := d.stats(ch)
			for i := 0; i < h*w; i++ {
				tokens.Data()[i*c+ch] = latent.Data()[(ch*frames+f)*h*w+i]*std + mean
			}
		}

		rgb, err := d.Proj.Forward(tokens)
		tokens.Release()
		if err != nil {
			return nil, fmt.Errorf("decoding frame %d: %w", f, err)
		}

		// rgb rows are latent pixels in [-1,1]; upscale each channel plane.
		for ch := 0; ch < 3; ch++ {
			plane := ml.New(h, w)
			for i := 0; i < h*w; i++ {
				plane.Data()[i] = clamp01((rgb.Data()[i*3+ch] + 1) / 2)
			}
			up := bilinearUpscale(plane, d.Scale)
			plane.Release()

			ph, pw := h*d.Scale, w*d.Scale
			for y := 0; y < ph; y++ {
				for x := 0; x < pw; x++ {
					out.Data()[((f*ph+y)*pw+x)*3+ch] = up.Data()[y*pw+x]
				}
			}
			up.Release()
		}
		rgb.Release()
	}
	return out, nil
}

func (d *VideoDecoder) stats(ch int) (mean, std float32) {
	mean, std = 0, 1
	if d.Mean != nil && ch < d.Mean.Numel() {
		mean = d.Mean.Data()[ch]
	}
	if d.Std != nil && ch < d.Std.Numel() {
		std = d.Std.Data()[ch]
	}
	return mean, std
}

func (d *VideoDecoder) Release() { releaseFields(d) }

// AudioDecoder resynthesizes a waveform from the audio latent's mel-band
// energies with a bank of sine oscillators, one per bin, log-spaced from
// 80 Hz to 8 kHz.
type AudioDecoder struct {
	SampleRate int
	HopSamples int
}

func NewAudioDecoder() *AudioDecoder {
	return &AudioDecoder{SampleRate: pipeline.AudioSampleRate, HopSamples: 4096}
}

func (d *AudioDecoder) DecodeAudio(ctx context.Context, latent *ml.Array) (*ml.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, frames, bins := latent.Dim(1), latent.Dim(2), latent.Dim(3)

	// Band energy per frame: mean across latent channels, squashed to [0,1].
	energy := make([]float64, frames*bins)
	for f := 0; f < frames; f++ {
		for b := 0; b < bins; b++ {
			var sum float64
			for ch := 0; ch < c; ch++ {
				sum += float64(latent.Data()[(ch*frames+f)*bins+b])
			}
			mean := sum / float64(c)
			energy[f*bins+b] = 1 / (1 + math.Exp(-mean))
		}
	}

	freqs := make([]float64, bins)
	for b := range freqs {
		freqs[b] = 80 * math.Pow(8000/80.0, float64(b)/float64(bins-1))
	}

	out := ml.New(frames * d.HopSamples)
	var peak float64
	for f := 0; f < frames; f++ {
		for s := 0; s < d.HopSamples; s++ {
			t := float64(f*d.HopSamples+s) / float64(d.SampleRate)
			var v float64
			for b := 0; b < bins; b++ {
				v += energy[f*bins+b] * math.Sin(2*math.Pi*freqs[b]*t)
			}
			out.Data()[f*d.HopSamples+s] = float32(v)
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	if peak > 0 {
		out.ScaleInPlace(float32(0.95 / peak))
	}
	return out, nil
}

func (d *AudioDecoder) Release() {}

// ImageEncoder turns a prepared (1,3,H,W) image tensor into a one-frame
// video latent: 32x32 average pooling per channel, then a linear lift from
// RGB to the latent channel width.
type ImageEncoder struct {
	Proj *nn.Linear `st:"proj"`
}

func LoadImageEncoder(f *safetensors.File, channels int) (*ImageEncoder, error) {
	e := &ImageEncoder{}
	if f != nil {
		if err := populate(f, e, "vae.encoder"); err != nil {
			return nil, err
		}
	}
	if e.Proj == nil {
		e.Proj = defaultProjection(channels, 3, 0x656e63)
	}
	return e, nil
}

func (e *ImageEncoder) EncodeImage(ctx context.Context, image *ml.Array) (*ml.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ih, iw := image.Dim(2), image.Dim(3)
	h, w := ih/spatialScale, iw/spatialScale
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("image %dx%d is smaller than one latent pixel", iw, ih)
	}

	pooled := ml.New(h*w, 3)
	for ch := 0; ch < 3; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sum float32
				for py := 0; py < spatialScale; py++ {
					for px := 0; px < spatialScale; px++ {
						sum += image.Data()[(ch*ih+y*spatialScale+py)*iw+x*spatialScale+px]
					}
				}
				pooled.Data()[(y*w+x)*3+ch] = sum / (spatialScale * spatialScale)
			}
		}
	}

	lifted, err := e.Proj.Forward(pooled)
	pooled.Release()
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	c := e.Proj.OutFeatures()
	out := ml.New(1, c, 1, h, w)
	for ch := 0; ch < c; ch++ {
		for i := 0; i < h*w; i++ {
			out.Data()[ch*h*w+i] = lifted.Data()[i*c+ch]
		}
	}
	lifted.Release()
	return out, nil
}

func (e *ImageEncoder) Release() { releaseFields(e) }

// Upsampler performs the deterministic stage transition: de-normalize,
// bilinear 2x per frame, re-normalize.
type Upsampler struct {
	Mean *ml.Array `st:"latents_mean"`
	Std  *ml.Array `st:"latents_std"`
}

func LoadUpsampler(f *safetensors.File) (*Upsampler, error) {
	u := &Upsampler{}
	if f != nil {
		if err := populate(f, u, "upsampler"); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (u *Upsampler) Upsample(ctx context.Context, latent *ml.Array) (*ml.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, frames, h, w := latent.Dim(1), latent.Dim(2), latent.Dim(3), latent.Dim(4)

	out := ml.New(1, c, frames, 2*h, 2*w)
	plane := ml.New(h, w)
	for ch := 0; ch < c; ch++ {
		mean, std := float32(0), float32(1)
		if u.Mean != nil && ch < u.Mean.Numel() {
			mean = u.Mean.Data()[ch]
		}
		if u.Std != nil && ch < u.Std.Numel() {
			std = u.Std.Data()[ch]
		}
		for f := 0; f < frames; f++ {
			for i := 0; i < h*w; i++ {
				plane.Data()[i] = latent.Data()[(ch*frames+f)*h*w+i]*std + mean
			}
			up := bilinearUpscale(plane, 2)
			for i := 0; i < 4*h*w; i++ {
				out.Data()[(ch*frames+f)*4*h*w+i] = (up.Data()[i] - mean) / std
			}
			up.Release()
		}
	}
	plane.Release()
	return out, nil
}

func (u *Upsampler) Release() { releaseFields(u) }

// bilinearUpscale resamples a (h,w) plane by an integer factor with
// edge-clamped bilinear interpolation.
func bilinearUpscale(plane *ml.Array, scale int) *ml.Array {
	h, w := plane.Dim(0), plane.Dim(1)
	oh, ow := h*scale, w*scale
	out := ml.New(oh, ow)
	for y := 0; y < oh; y++ {
		sy := (float64(y)+0.5)/float64(scale) - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := clampIdx(y0+1, h)
		y0 = clampIdx(y0, h)
		for x := 0; x < ow; x++ {
			sx := (float64(x)+0.5)/float64(scale) - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := clampIdx(x0+1, w)
			x0 = clampIdx(x0, w)

			top := float64(plane.Data()[y0*w+x0])*(1-fx) + float64(plane.Data()[y0*w+x1])*fx
			bot := float64(plane.Data()[y1*w+x0])*(1-fx) + float64(plane.Data()[y1*w+x1])*fx
			out.Data()[y*ow+x] = float32(top*(1-fy) + bot*fy)
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// defaultProjection builds a fixed pseudo-random linear layer for archives
// that carry no preview codec weights.
func defaultProjection(out, in int, seed int64) *nn.Linear {
	rng := rand.New(rand.NewSource(seed))
	weight := ml.New(out, in)
	scale := float32(1 / math.Sqrt(float64(in)))
	for i := range weight.Data() {
		weight.Data()[i] = float32(rng.NormFloat64()) * scale
	}
	return &nn.Linear{Weight: weight}
}
