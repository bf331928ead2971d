package lora

import (
	"slices"
	"strings"

	"github.com/ltxav/ltxav/ml"
)

// Entry is one module's low-rank update: Down is (rank, in_features), Up is
// (out_features, rank). Alpha, when present, rescales the update by
// alpha/rank. Path is the normalized module path the update targets.
type Entry struct {
	Path  string
	Down  *ml.Array
	Up    *ml.Array
	Alpha *float64
}

// Rank returns the adapter rank, taken from Down's leading dimension.
func (e Entry) Rank() int { return e.Down.Dim(0) }

// Group collects complete down/up adapter pairs from a raw checkpoint tensor
// map, keyed by normalized module path and sorted by it. Both the
// lora_down/lora_up and the lora_A/lora_B naming conventions are recognized.
// Keys that are not low-rank tensors, and modules missing either half of the
// pair, are dropped silently; checkpoints routinely carry unrelated metadata
// tensors.
func Group(weights map[string]*ml.Array) []Entry {
	type group struct {
		down, up *ml.Array
		alpha    *float64
	}
	groups := make(map[string]*group)

	for key, value := range weights {
		if !strings.Contains(key, "lora") {
			continue
		}
		if strings.Contains(key, "alpha") {
			continue
		}

		var base string
		var down bool
		switch {
		case strings.Contains(key, "lora_down"):
			base, _, _ = strings.Cut(key, ".lora_down")
			down = true
		case strings.Contains(key, "lora_up"):
			base, _, _ = strings.Cut(key, ".lora_up")
		case strings.Contains(key, "lora_A"):
			base, _, _ = strings.Cut(key, ".lora_A")
			down = true
		case strings.Contains(key, "lora_B"):
			base, _, _ = strings.Cut(key, ".lora_B")
		default:
			continue
		}

		path := NormalizeKey(base)
		g := groups[path]
		if g == nil {
			g = &group{}
			groups[path] = g
		}
		if down {
			g.down = value
		} else {
			g.up = value
		}

		// Alpha keys are spelled several ways; search the raw key set with
		// the raw base name.
		for _, ak := range []string{base + ".lora.alpha", base + ".alpha", base + ".lora_alpha"} {
			if t, ok := weights[ak]; ok {
				alpha := float64(t.Data()[0])
				g.alpha = &alpha
				break
			}
		}
	}

	var entries []Entry
	for path, g := range groups {
		if g.down == nil || g.up == nil {
			continue
		}
		entries = append(entries, Entry{Path: path, Down: g.down, Up: g.up, Alpha: g.alpha})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries
}
