package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/ltxav/ltxav/ml"
)

// Write stores tensors as a single safetensors archive at path. Each array is
// encoded at its recorded precision. Tensors are laid out in name order.
func Write(path string, tensors map[string]*ml.Array) error {
	names := maps.Keys(tensors)
	slices.Sort(names)

	header := make(map[string]tensorMeta, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.Numel() * t.DType().Size())
		header[name] = tensorMeta{
			Type:    t.DType().String(),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, int64(len(hdr))); err != nil {
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		return err
	}

	for _, name := range names {
		t := tensors[name]
		switch t.DType() {
		case ml.DTypeF32:
			err = binary.Write(f, binary.LittleEndian, t.Data())
		case ml.DTypeF16:
			u16s := make([]uint16, t.Numel())
			for i, v := range t.Data() {
				u16s[i] = float16.Fromfloat32(v).Bits()
			}
			err = binary.Write(f, binary.LittleEndian, u16s)
		case ml.DTypeBF16:
			_, err = f.Write(bfloat16.EncodeFloat32(t.Data()))
		default:
			err = fmt.Errorf("unsupported dtype %s", t.DType())
		}
		if err != nil {
			return fmt.Errorf("writing %q: %w", name, err)
		}
	}

	return nil
}
