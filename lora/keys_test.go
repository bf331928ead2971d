package lora

import "testing"

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{
			"model.diffusion_model.transformer_blocks.0.attn1.to_q",
			"transformer_blocks.0.attn1.to_q",
		},
		{
			"transformer.transformer_blocks.3.attn2.to_k",
			"transformer_blocks.3.attn2.to_k",
		},
		{
			"transformer_blocks.1.attn1.to_out.0.weight",
			"transformer_blocks.1.attn1.to_out.weight",
		},
		{
			"transformer_blocks.2.ff.net.0.proj.weight",
			"transformer_blocks.2.ff.proj_in.weight",
		},
		{
			"transformer_blocks.2.ff.net.2.weight",
			"transformer_blocks.2.ff.proj_out.weight",
		},
		{
			"transformer_blocks.5.audio_ff.net.0.proj.weight",
			"transformer_blocks.5.audio_ff.proj_in.weight",
		},
		{
			"transformer_blocks.5.audio_ff.net.2.weight",
			"transformer_blocks.5.audio_ff.proj_out.weight",
		},
		{
			"time_embed.linear_1.weight",
			"time_embed.linear1.weight",
		},
		{
			"time_embed.linear_2.weight",
			"time_embed.linear2.weight",
		},
		{
			// both prefixes stacked
			"model.diffusion_model.transformer.transformer_blocks.0.ff.net.2.bias",
			"transformer_blocks.0.ff.proj_out.bias",
		},
		{
			// transformer strip only applies as a prefix
			"audio_transformer_blocks.0.attn1.to_v",
			"audio_transformer_blocks.0.attn1.to_v",
		},
		{
			// already normalized keys pass through
			"transformer_blocks.7.ff.proj_in.weight",
			"transformer_blocks.7.ff.proj_in.weight",
		},
	}

	for _, tt := range cases {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Rewrite outputs must be stable: no rule may match the output of another.
func TestNormalizeKeyStable(t *testing.T) {
	keys := []string{
		"transformer.transformer_blocks.0.attn1.to_out.0.weight",
		"transformer_blocks.2.ff.net.0.proj.weight",
		"transformer_blocks.2.audio_ff.net.2.weight",
		"adaln_single.emb.timestep_embedder.linear_1.weight",
	}
	for _, key := range keys {
		once := NormalizeKey(key)
		if twice := NormalizeKey(once); twice != once {
			t.Errorf("NormalizeKey not stable for %q: %q -> %q", key, once, twice)
		}
	}
}
