package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/ltxav/ltxav/ml"
	"github.com/ltxav/ltxav/pipeline"
)

// TextEncoder produces deterministic conditioning embeddings: each prompt
// token maps to a fixed pseudo-random row, so the same prompt always
// conditions the transformer identically and distinct prompts diverge.
type TextEncoder struct {
	VideoDim int
	AudioDim int

	// MaxTokens truncates very long prompts.
	MaxTokens int
}

// NewTextEncoder returns an encoder with the transformer's default
// conditioning widths.
func NewTextEncoder() *TextEncoder {
	return &TextEncoder{VideoDim: 4096, AudioDim: 2048, MaxTokens: 128}
}

func (e *TextEncoder) Encode(_ context.Context, prompt string) (pipeline.Embeddings, error) {
	tokens := tokenize(prompt)
	if len(tokens) == 0 {
		return pipeline.Embeddings{}, fmt.Errorf("prompt has no usable tokens")
	}
	if e.MaxTokens > 0 && len(tokens) > e.MaxTokens {
		tokens = tokens[:e.MaxTokens]
	}

	return pipeline.Embeddings{
		Video: embed(tokens, e.VideoDim, 0x76696465),
		Audio: embed(tokens, e.AudioDim, 0x61756469),
	}, nil
}

// Release implements pipeline.Releaser. The encoder holds no weights; this
// keeps the pipeline's phase discipline uniform.
func (e *TextEncoder) Release() {}

func embed(tokens []string, dim int, salt int64) *ml.Array {
	out := ml.New(len(tokens), dim)
	scale := float32(1 / math.Sqrt(float64(dim)))
	for r, tok := range tokens {
		rng := rand.New(rand.NewSource(int64(hashToken(tok)) ^ salt))
		row := out.Data()[r*dim : (r+1)*dim]
		for i := range row {
			row[i] = float32(rng.NormFloat64()) * scale
		}
	}
	return out
}

func hashToken(tok string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tok))
	return h.Sum64()
}

func tokenize(prompt string) []string {
	return strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '.', ';', ':', '!', '?', '"', '\'', '(', ')':
			return true
		}
		return false
	})
}

// Enhancer expands a terse prompt into a fuller scene description using a
// fixed descriptor bank. Selection is deterministic in the prompt and seed;
// temperature widens how many descriptors are added.
type Enhancer struct {
	Temperature float64
	Seed        int64
}

var descriptorBank = []string{
	"cinematic lighting",
	"shallow depth of field",
	"smooth camera motion",
	"rich ambient sound",
	"high detail",
	"natural color grading",
	"soft volumetric light",
	"gentle wind movement",
	"film grain texture",
	"wide establishing shot",
}

func (e *Enhancer) Enhance(_ context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("empty prompt")
	}

	temp := e.Temperature
	if temp <= 0 {
		temp = 0.7
	}
	n := 2 + int(temp*float64(len(descriptorBank)-2)/2)
	if n > len(descriptorBank) {
		n = len(descriptorBank)
	}

	rng := rand.New(rand.NewSource(int64(hashToken(prompt)) ^ e.Seed))
	picks := rng.Perm(len(descriptorBank))[:n]

	parts := make([]string, 0, n+1)
	parts = append(parts, strings.TrimRight(strings.TrimSpace(prompt), "."))
	for _, p := range picks {
		parts = append(parts, descriptorBank[p])
	}
	return strings.Join(parts, ", ") + ".", nil
}
