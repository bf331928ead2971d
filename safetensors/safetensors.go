// Package safetensors reads and writes the safetensors tensor archive
// format: an 8-byte little-endian header length, a JSON header mapping tensor
// names to {dtype, shape, data_offsets}, then the raw tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/ltxav/ltxav/ml"
)

type tensorMeta struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// TensorInfo describes one tensor in an archive without loading its data.
type TensorInfo struct {
	Name  string
	DType ml.DType
	Shape []int

	path   string
	offset int64
	size   int64
}

// Size returns the tensor's on-disk byte size.
func (ti TensorInfo) Size() int64 { return ti.size }

// File indexes the tensors of one or more safetensors archives.
type File struct {
	info map[string]TensorInfo
}

// Open indexes a single safetensors archive.
func Open(path string) (*File, error) {
	f := &File{info: make(map[string]TensorInfo)}
	if err := f.index(path); err != nil {
		return nil, err
	}
	return f, nil
}

// OpenDir indexes every *.safetensors file directly under dir. Shard headers
// are parsed concurrently.
func OpenDir(dir string) (*File, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s", dir)
	}
	slices.Sort(matches)

	f := &File{info: make(map[string]TensorInfo)}

	var mu sync.Mutex
	var g errgroup.Group
	for _, path := range matches {
		path := path
		g.Go(func() error {
			shard := &File{info: make(map[string]TensorInfo)}
			if err := shard.index(path); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for name, ti := range shard.info {
				if _, ok := f.info[name]; ok {
					return fmt.Errorf("duplicate tensor %q in %s", name, path)
				}
				f.info[name] = ti
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("indexed safetensors", "dir", dir, "files", len(matches), "tensors", len(f.info))
	return f, nil
}

func (f *File) index(path string) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	fi, err := r.Stat()
	if err != nil {
		return err
	}

	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("%s: reading header size: %w", path, err)
	}
	// Trust nothing in the length word: a corrupt archive must surface as an
	// error, not an allocation panic.
	if n <= 0 || n > fi.Size()-8 {
		return fmt.Errorf("%s: invalid header size %d", path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return fmt.Errorf("%s: reading header: %w", path, err)
	}

	var header map[string]tensorMeta
	if err := json.NewDecoder(b).Decode(&header); err != nil {
		return fmt.Errorf("%s: parsing header: %w", path, err)
	}

	for name, meta := range header {
		if meta.Type == "" {
			// __metadata__ block
			continue
		}
		dt, err := ml.DTypeFromString(meta.Type)
		if err != nil {
			return fmt.Errorf("%s: tensor %q: %w", path, name, err)
		}
		f.info[name] = TensorInfo{
			Name:   name,
			DType:  dt,
			Shape:  meta.Shape,
			path:   path,
			offset: 8 + n + meta.Offsets[0],
			size:   meta.Offsets[1] - meta.Offsets[0],
		}
	}

	return nil
}

// Tensors lists the archive's tensors sorted by name.
func (f *File) Tensors() []TensorInfo {
	names := maps.Keys(f.info)
	slices.Sort(names)

	out := make([]TensorInfo, 0, len(names))
	for _, name := range names {
		out = append(out, f.info[name])
	}
	return out
}

// Names lists the raw tensor names sorted.
func (f *File) Names() []string {
	names := maps.Keys(f.info)
	slices.Sort(names)
	return names
}

// Has reports whether the archive contains name.
func (f *File) Has(name string) bool {
	_, ok := f.info[name]
	return ok
}

// HasPrefix reports whether any tensor name starts with prefix. Module
// loaders use it to discover how many indexed submodules an archive carries.
func (f *File) HasPrefix(prefix string) bool {
	for name := range f.info {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Load reads one tensor and decodes it to float32, keeping its source
// precision recorded on the array.
func (f *File) Load(name string) (*ml.Array, error) {
	ti, ok := f.info[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}

	r, err := os.Open(ti.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if _, err := r.Seek(ti.offset, io.SeekStart); err != nil {
		return nil, err
	}

	var f32s []float32
	switch ti.DType {
	case ml.DTypeF32:
		f32s = make([]float32, ti.size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, fmt.Errorf("reading %q: %w", name, err)
		}
	case ml.DTypeF16:
		u16s := make([]uint16, ti.size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, fmt.Errorf("reading %q: %w", name, err)
		}
		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case ml.DTypeBF16:
		u8s := make([]uint8, ti.size)
		if err := binary.Read(r, binary.LittleEndian, u8s); err != nil {
			return nil, fmt.Errorf("reading %q: %w", name, err)
		}
		f32s = bfloat16.DecodeFloat32(u8s)
	}

	n := 1
	for _, d := range ti.Shape {
		n *= d
	}
	if len(f32s) != n {
		return nil, fmt.Errorf("tensor %q: %d values for shape %v", name, len(f32s), ti.Shape)
	}

	return ml.NewFrom(f32s, ti.Shape...).AsDType(ti.DType), nil
}

// LoadAll reads every tensor in the archive.
func (f *File) LoadAll() (map[string]*ml.Array, error) {
	out := make(map[string]*ml.Array, len(f.info))
	for name := range f.info {
		arr, err := f.Load(name)
		if err != nil {
			return nil, err
		}
		out[name] = arr
	}
	return out, nil
}
