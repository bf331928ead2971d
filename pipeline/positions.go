package pipeline

import "github.com/ltxav/ltxav/ml"

// VideoPositionGrid builds the (3, F, H, W) coordinate grid the transformer's
// rotary embedding consumes: axis 0 holds the frame index, axis 1 the row and
// axis 2 the column of each latent position.
func VideoPositionGrid(frames, h, w int) *ml.Array {
	out := ml.New(3, frames, h, w)
	data := out.Data()
	plane := frames * h * w
	i := 0
	for f := 0; f < frames; f++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[i] = float32(f)
				data[plane+i] = float32(y)
				data[2*plane+i] = float32(x)
				i++
			}
		}
	}
	return out
}

// AudioPositionGrid builds the (1, frames) temporal grid for the audio
// stream.
func AudioPositionGrid(frames int) *ml.Array {
	out := ml.New(1, frames)
	for i := range out.Data() {
		out.Data()[i] = float32(i)
	}
	return out
}
