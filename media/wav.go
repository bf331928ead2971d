package media

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ltxav/ltxav/ml"
)

const (
	wavChannels      = 1
	wavBitsPerSample = 16
)

// WriteWAV writes a mono 16-bit PCM file. Samples outside [-1,1] are
// clipped.
func (w *Writer) WriteWAV(path string, samples *ml.Array, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav: %w", err)
	}
	defer f.Close()

	// Header first with placeholder sizes, patched once the sample count is
	// known.
	if err := writeWavHeader(f, sampleRate); err != nil {
		return err
	}

	pcm := make([]int16, samples.Numel())
	for i, v := range samples.Data() {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		pcm[i] = int16(v * 32767)
	}
	if err := binary.Write(f, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}

	return updateWavHeader(f, uint32(len(pcm)))
}

func writeWavHeader(f *os.File, sampleRate int) error {
	byteRate := sampleRate * wavChannels * (wavBitsPerSample / 8)
	blockAlign := wavChannels * (wavBitsPerSample / 8)

	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(0)) // placeholder
	f.Write([]byte("WAVE"))

	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))
	binary.Write(f, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(f, binary.LittleEndian, uint16(wavChannels))
	binary.Write(f, binary.LittleEndian, uint32(sampleRate))
	binary.Write(f, binary.LittleEndian, uint32(byteRate))
	binary.Write(f, binary.LittleEndian, uint16(blockAlign))
	binary.Write(f, binary.LittleEndian, uint16(wavBitsPerSample))

	f.Write([]byte("data"))
	return binary.Write(f, binary.LittleEndian, uint32(0)) // placeholder
}

func updateWavHeader(f *os.File, totalSamples uint32) error {
	dataSize := totalSamples * wavChannels * (wavBitsPerSample / 8)

	if _, err := f.Seek(4, 0); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(36+dataSize)); err != nil {
		return err
	}
	if _, err := f.Seek(40, 0); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, dataSize)
}
