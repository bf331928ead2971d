package media

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltxav/ltxav/ml"
)

func TestWriteWAV(t *testing.T) {
	samples := ml.New(100)
	for i := range samples.Data() {
		samples.Data()[i] = float32(i%3-1) * 2 // includes values past full scale
	}

	path := filepath.Join(t.TempDir(), "out.wav")
	w := &Writer{}
	require.NoError(t, w.WriteWAV(path, samples, 24000))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 44+200)

	assert.Equal(t, "RIFF", string(raw[:4]))
	assert.Equal(t, "WAVE", string(raw[8:12]))
	assert.Equal(t, uint32(36+200), binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[22:24]), "mono")
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(raw[24:28]))
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(raw[40:44]), "data size")

	// First samples: -2 clips to -32767, 0 stays 0, 2 clips to 32767.
	assert.Equal(t, int16(-32767), int16(binary.LittleEndian.Uint16(raw[44:46])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(raw[46:48])))
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(raw[48:50])))
}

func TestLoadImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			src.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}
	path := filepath.Join(t.TempDir(), "ref.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	tensor, err := Loader{}.LoadImage(path, 64, 32)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 64, 32}, tensor.Shape())

	// Solid red resizes to full-scale red, zero green and blue.
	assert.InDelta(t, 1, tensor.Data()[0], 0.01)
	assert.InDelta(t, -1, tensor.Data()[64*32], 0.01)
	assert.InDelta(t, -1, tensor.Data()[2*64*32], 0.01)
}

func TestLoadImageMissing(t *testing.T) {
	_, err := Loader{}.LoadImage(filepath.Join(t.TempDir(), "nope.png"), 64, 64)
	assert.Error(t, err)
}

func TestFrameBytes(t *testing.T) {
	frames := ml.New(1, 2, 2, 3)
	copy(frames.Data(), []float32{0, 0.5, 1, -1, 2, 0.25, 0.75, 0, 1, 0.5, 0.5, 0.5})

	raw := frameBytes(frames, 1, 2, 2)
	require.Len(t, raw, 12)
	assert.Equal(t, byte(0), raw[0])
	assert.Equal(t, byte(128), raw[1])
	assert.Equal(t, byte(255), raw[2])
	assert.Equal(t, byte(0), raw[3], "negative clips to 0")
	assert.Equal(t, byte(255), raw[4], "overflow clips to 255")
}
