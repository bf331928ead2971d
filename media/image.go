package media

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/ltxav/ltxav/ml"
)

// Loader reads a reference image from disk and prepares it for latent
// encoding: decode, composite any alpha over white, bilinear resize to the
// requested size, and scale to a (1,3,H,W) tensor in [-1,1].
type Loader struct{}

func (Loader) LoadImage(path string, height, width int) (*ml.Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}

	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(resized, resized.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.BiLinear.Scale(resized, resized.Rect, img, img.Bounds(), draw.Over, nil)

	out := ml.New(1, 3, height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			out.Data()[(0*height+y)*width+x] = float32(r)/32767.5 - 1
			out.Data()[(1*height+y)*width+x] = float32(g)/32767.5 - 1
			out.Data()[(2*height+y)*width+x] = float32(b)/32767.5 - 1
		}
	}
	return out, nil
}
