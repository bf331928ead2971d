package pipeline

import (
	"context"
	"fmt"

	"github.com/ltxav/ltxav/ml"
)

// TilingConfig bounds decoder memory by splitting the video latent into
// chunks that are decoded independently and blended back together. The named
// presets are opaque policies; "auto" derives tile counts from the latent
// dimensions at decode time.
type TilingConfig struct {
	Name          string
	SpatialTiles  int
	TemporalTiles int
	Overlap       int // latent pixels of overlap between spatial tiles

	auto bool
}

var tilingPresets = map[string]TilingConfig{
	"none":         {Name: "none", SpatialTiles: 1, TemporalTiles: 1},
	"default":      {Name: "default", SpatialTiles: 2, TemporalTiles: 1, Overlap: 4},
	"auto":         {Name: "auto", auto: true},
	"aggressive":   {Name: "aggressive", SpatialTiles: 4, TemporalTiles: 4, Overlap: 2},
	"conservative": {Name: "conservative", SpatialTiles: 2, TemporalTiles: 2, Overlap: 8},
	"spatial":      {Name: "spatial", SpatialTiles: 2, TemporalTiles: 1, Overlap: 4},
	"temporal":     {Name: "temporal", SpatialTiles: 1, TemporalTiles: 4},
}

// TilingFromString resolves a tiling policy name. The empty string means
// "auto".
func TilingFromString(name string) (TilingConfig, error) {
	if name == "" {
		name = "auto"
	}
	cfg, ok := tilingPresets[name]
	if !ok {
		return TilingConfig{}, fmt.Errorf("unknown tiling policy %q", name)
	}
	return cfg, nil
}

// Resolve fixes an auto policy against concrete latent dimensions: tiles of
// at most 32x32 latent pixels spatially and 16 latent frames temporally.
func (t TilingConfig) Resolve(frames, h, w int) TilingConfig {
	if !t.auto {
		return t
	}
	out := t
	out.auto = false
	out.SpatialTiles = max(1, (max(h, w)+31)/32)
	out.TemporalTiles = max(1, (frames+15)/16)
	if out.SpatialTiles > 1 {
		out.Overlap = 4
	}
	return out
}

// tile is one latent chunk: frame range [f0,f1), spatial ranges [y0,y1),
// [x0,x1), all half-open.
type tile struct {
	f0, f1, y0, y1, x0, x1 int
}

// tiles enumerates the chunks for a latent of the given dimensions, extending
// each spatial tile by the overlap margin.
func (t TilingConfig) tiles(frames, h, w int) []tile {
	st := min(t.SpatialTiles, min(h, w))
	tt := min(t.TemporalTiles, frames)
	if st < 1 {
		st = 1
	}
	if tt < 1 {
		tt = 1
	}

	var out []tile
	for fi := 0; fi < tt; fi++ {
		f0 := fi * frames / tt
		f1 := (fi + 1) * frames / tt
		for yi := 0; yi < st; yi++ {
			y0 := max(0, yi*h/st-t.Overlap)
			y1 := min(h, (yi+1)*h/st+t.Overlap)
			for xi := 0; xi < st; xi++ {
				x0 := max(0, xi*w/st-t.Overlap)
				x1 := min(w, (xi+1)*w/st+t.Overlap)
				out = append(out, tile{f0, f1, y0, y1, x0, x1})
			}
		}
	}
	return out
}

// sliceLatent copies tile region t out of a (1,C,F,H,W) latent.
func sliceLatent(a *ml.Array, t tile) *ml.Array {
	c, frames, h, w := a.Dim(1), a.Dim(2), a.Dim(3), a.Dim(4)

	tf, th, tw := t.f1-t.f0, t.y1-t.y0, t.x1-t.x0
	out := ml.New(1, c, tf, th, tw)
	for ch := 0; ch < c; ch++ {
		for f := 0; f < tf; f++ {
			for y := 0; y < th; y++ {
				srcOff := ((ch*frames+(f+t.f0))*h+(y+t.y0))*w + t.x0
				dstOff := ((ch*tf+f)*th + y) * tw
				copy(out.Data()[dstOff:dstOff+tw], a.Data()[srcOff:srcOff+tw])
			}
		}
	}
	return out
}

// TiledDecode runs the video decoder over the latent tile by tile and blends
// overlapping pixel regions with uniform averaging. With a single tile it is
// a plain decode call.
func TiledDecode(ctx context.Context, dec VideoDecoder, latent *ml.Array, cfg TilingConfig) (*ml.Array, error) {
	frames, h, w := latent.Dim(2), latent.Dim(3), latent.Dim(4)
	cfg = cfg.Resolve(frames, h, w)

	chunks := cfg.tiles(frames, h, w)
	if len(chunks) == 1 {
		return dec.DecodeVideo(ctx, latent)
	}

	// Decode the first tile to learn the pixel scaling factors.
	sub := sliceLatent(latent, chunks[0])
	first, err := dec.DecodeVideo(ctx, sub)
	sub.Release()
	if err != nil {
		return nil, err
	}
	frameScale := first.Dim(0) / (chunks[0].f1 - chunks[0].f0)
	pixScale := first.Dim(1) / (chunks[0].y1 - chunks[0].y0)

	out := ml.New(frames*frameScale, h*pixScale, w*pixScale, 3)
	weight := ml.New(frames*frameScale, h*pixScale, w*pixScale, 1)

	paste := func(t tile, dec *ml.Array) {
		pf, ph, pw := dec.Dim(0), dec.Dim(1), dec.Dim(2)
		outH, outW := out.Dim(1), out.Dim(2)
		for f := 0; f < pf; f++ {
			of := t.f0*frameScale + f
			if of >= out.Dim(0) {
				continue
			}
			for y := 0; y < ph; y++ {
				oy := t.y0*pixScale + y
				if oy >= outH {
					continue
				}
				for x := 0; x < pw; x++ {
					ox := t.x0*pixScale + x
					if ox >= outW {
						continue
					}
					src := ((f*ph+y)*pw + x) * 3
					dst := ((of*outH+oy)*outW + ox) * 3
					out.Data()[dst] += dec.Data()[src]
					out.Data()[dst+1] += dec.Data()[src+1]
					out.Data()[dst+2] += dec.Data()[src+2]
					weight.Data()[(of*outH+oy)*outW+ox]++
				}
			}
		}
	}

	paste(chunks[0], first)
	first.Release()

	for _, t := range chunks[1:] {
		sub := sliceLatent(latent, t)
		px, err := dec.DecodeVideo(ctx, sub)
		sub.Release()
		if err != nil {
			return nil, err
		}
		paste(t, px)
		px.Release()
	}

	for i := 0; i < weight.Numel(); i++ {
		if n := weight.Data()[i]; n > 1 {
			out.Data()[i*3] /= n
			out.Data()[i*3+1] /= n
			out.Data()[i*3+2] /= n
		}
	}
	weight.Release()

	return out, nil
}
