package api

// GenerateRequest is the body of POST /api/generate. Field names match the
// host protocol's params object.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	GuidanceScale float64 `json:"guidance_scale,omitempty"`

	Height    int   `json:"height,omitempty"`
	Width     int   `json:"width,omitempty"`
	NumFrames int   `json:"num_frames,omitempty"`
	FPS       int   `json:"fps,omitempty"`
	Seed      int64 `json:"seed,omitempty"`

	OutputPath string `json:"output_path,omitempty"`

	Image         string  `json:"image,omitempty"`
	ImageStrength float64 `json:"image_strength,omitempty"`
	ImageFrameIdx int     `json:"image_frame_idx,omitempty"`

	LoRAPath     string  `json:"lora_path,omitempty"`
	LoRAStrength float64 `json:"lora_strength,omitempty"`

	Tiling              string `json:"tiling,omitempty"`
	NoAudio             bool   `json:"no_audio,omitempty"`
	SaveAudioSeparately bool   `json:"save_audio_separately,omitempty"`

	EnhancePrompt bool `json:"enhance_prompt,omitempty"`
}

// GenerateResponse is one NDJSON line of the /api/generate stream: progress
// updates while the pipeline runs, then a final object with Done set.
type GenerateResponse struct {
	// Progress fields.
	Status  string `json:"status,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Stage   int    `json:"stage,omitempty"`
	Step    int    `json:"step,omitempty"`
	Total   int    `json:"total,omitempty"`

	// Final result fields.
	Done           bool   `json:"done,omitempty"`
	Success        bool   `json:"success,omitempty"`
	Error          string `json:"error,omitempty"`
	VideoPath      string `json:"video_path,omitempty"`
	AudioPath      string `json:"audio_path,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	Mode           string `json:"mode,omitempty"`
	HasAudio       bool   `json:"has_audio,omitempty"`
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}
