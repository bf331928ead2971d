package lora

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/safetensors"
)

// ErrAdapterLoad marks an adapter archive that could not be read. Callers
// treat it as recoverable and generate with unmodified weights.
var ErrAdapterLoad = errors.New("adapter unavailable")

// Apply merges each entry's low-rank delta into the module graph rooted at
// root, scaled by strength. The delta for a layer is up@down, times
// alpha/rank when the entry carries an alpha, times strength, cast to the
// layer weight's precision and added in place.
//
// Entries whose path does not resolve to a linear layer are skipped; a
// checkpoint aimed at a different architecture merges zero layers without
// failing. Shape mismatches inside a resolved layer are real errors and abort
// the merge.
func Apply(root any, entries []Entry, strength float64) (applied int, err error) {
	for _, e := range entries {
		layer, ok := Resolve(root, e.Path)
		if !ok {
			slog.Debug("lora: no target for adapter entry", "path", e.Path)
			continue
		}

		if err := mergeInto(layer.Weight, e, strength); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// MergeWeights merges entries directly into a raw tensor map keyed by module
// path plus ".weight", for rewriting model archives on disk.
func MergeWeights(weights map[string]*ml.Array, entries []Entry, strength float64) (applied int, err error) {
	for _, e := range entries {
		w, ok := weights[e.Path+".weight"]
		if !ok {
			slog.Debug("lora: no tensor for adapter entry", "path", e.Path)
			continue
		}

		if err := mergeInto(w, e, strength); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func mergeInto(w *ml.Array, e Entry, strength float64) error {
	rank := e.Rank()
	scale := 1.0
	if e.Alpha != nil {
		scale = *e.Alpha / float64(rank)
	}

	delta, err := ml.MatMul(e.Up, e.Down)
	if err != nil {
		return fmt.Errorf("module %s: %w", e.Path, err)
	}
	delta.ScaleInPlace(float32(scale * strength))

	if !slices.Equal(delta.Shape(), w.Shape()) {
		delta.Release()
		return fmt.Errorf("module %s: delta shape %v does not match weight %v", e.Path, delta.Shape(), w.Shape())
	}

	delta.AsDType(w.DType())
	w.AddInPlace(delta)
	w.AsDType(w.DType())
	delta.Release()
	return nil
}

// MergeFile loads the adapter archive at path, groups its tensors and merges
// them into root. The applied count is zero, with no error, when nothing in
// the archive matches the model; that usually means the adapter was trained
// against different module naming.
func MergeFile(root any, path string, strength float64) (int, error) {
	file, err := safetensors.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrAdapterLoad, path, err)
	}
	weights, err := file.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrAdapterLoad, path, err)
	}

	entries := Group(weights)
	applied, err := Apply(root, entries, strength)
	if err != nil {
		return applied, err
	}

	if applied == 0 {
		slog.Warn("lora: no layers matched", "path", path, "groups", len(entries))
	} else {
		slog.Info("lora: merged adapter", "path", path, "layers", applied, "strength", strength)
	}
	return applied, nil
}
