package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/ltxav/ltxav/pipeline"
)

// GenerateFunc runs one generation request. The server owns serialization:
// it never issues two calls concurrently.
type GenerateFunc func(ctx context.Context, cfg pipeline.GenerationConfig, progress pipeline.Progress) (*pipeline.Result, error)

// Command is one line of the host protocol: a command name and an optional
// params object.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// Server speaks the host protocol: newline-delimited JSON commands on stdin,
// one result JSON object per command on stdout, tagged progress on stderr.
type Server struct {
	mu       sync.Mutex
	generate GenerateFunc
	stdout   io.Writer
	progress *TagProgress
}

func New(generate GenerateFunc, stdout, stderr io.Writer) *Server {
	return &Server{
		generate: generate,
		stdout:   stdout,
		progress: NewTagProgress(stderr),
	}
}

// Run reads commands until EOF or "quit". It announces readiness on the
// side channel first, which the host waits for before sending anything.
func (s *Server) Run(ctx context.Context, stdin io.Reader) error {
	s.progress.printf("SERVER_READY")

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			s.writeError(fmt.Sprintf("invalid request: %v", err))
			continue
		}

		switch cmd.Command {
		case "ping":
			s.writeJSON(map[string]string{"status": "pong"})
		case "generate":
			s.handleGenerate(ctx, cmd.Params)
		case "quit":
			return nil
		default:
			s.writeError(fmt.Sprintf("unknown command: %s", cmd.Command))
		}
	}
	return scanner.Err()
}

func (s *Server) handleGenerate(ctx context.Context, params map[string]any) {
	cfg, err := DecodeParams(params)
	if err != nil {
		s.writeError(fmt.Sprintf("invalid params: %v", err))
		return
	}

	result, err := s.safeGenerate(ctx, cfg, s.progress)
	if err != nil {
		slog.Error("generation failed", "error", err)
		s.progress.Error(err.Error())
		s.writeError(err.Error())
		return
	}

	s.writeJSON(successResponse(result))
}

// safeGenerate runs one serialized generation. Panics from the pipeline are
// converted to errors so a bad request degrades to a structured failure
// response instead of killing the process.
func (s *Server) safeGenerate(ctx context.Context, cfg pipeline.GenerationConfig, progress pipeline.Progress) (result *pipeline.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("generation panicked", "recovered", r)
			err = fmt.Errorf("generation failed: %v", r)
		}
	}()
	return s.generate(ctx, cfg, progress)
}

// DecodeParams maps a host params object onto the default generation config.
// Decoding is weakly typed: JSON numbers arrive as float64 and booleans may
// be spelled as strings.
func DecodeParams(params map[string]any) (pipeline.GenerationConfig, error) {
	cfg := pipeline.DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(params); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type generateResponse struct {
	Success        bool   `json:"success"`
	VideoPath      string `json:"video_path,omitempty"`
	AudioPath      string `json:"audio_path,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	Mode           string `json:"mode,omitempty"`
	HasAudio       bool   `json:"has_audio"`
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
}

func successResponse(result *pipeline.Result) generateResponse {
	return generateResponse{
		Success:        true,
		VideoPath:      result.VideoPath,
		AudioPath:      result.AudioPath,
		Seed:           result.Seed,
		Mode:           result.Mode,
		HasAudio:       result.HasAudio,
		EnhancedPrompt: result.EnhancedPrompt,
	}
}

func (s *Server) writeError(msg string) {
	s.writeJSON(map[string]any{"success": false, "error": msg})
}

func (s *Server) writeJSON(v any) {
	bts, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding response", "error", err)
		return
	}
	fmt.Fprintln(s.stdout, string(bts))
}
