// Package lora maps externally trained low-rank adapter tensors onto the
// transformer's module graph and merges their weight deltas in place.
//
// Merging is additive on purpose: applying the same adapter twice doubles its
// effect. Callers merge a given file at most once per loaded model.
package lora

import "strings"

// Replacements lists substring rewrites from checkpoint key naming to the
// module graph's convention, in application order. Replacement outputs are
// never matched by a later pattern.
func Replacements() []string {
	return []string{
		".to_out.0.", ".to_out.",
		".ff.net.0.proj.", ".ff.proj_in.",
		".ff.net.2.", ".ff.proj_out.",
		".audio_ff.net.0.proj.", ".audio_ff.proj_in.",
		".audio_ff.net.2.", ".audio_ff.proj_out.",
		".linear_1.", ".linear1.",
		".linear_2.", ".linear2.",
	}
}

var replacer = strings.NewReplacer(Replacements()...)

// NormalizeKey rewrites a checkpoint weight key into the module path naming
// used by the transformer graph. Outer wrapper prefixes are stripped first,
// then the Replacements rules apply.
func NormalizeKey(key string) string {
	key = strings.ReplaceAll(key, "model.diffusion_model.", "")
	if strings.HasPrefix(key, "transformer.") {
		key = strings.ReplaceAll(key, "transformer.", "")
	}
	return replacer.Replace(key)
}
