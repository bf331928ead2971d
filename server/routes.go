package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ltxav/ltxav/api"
	"github.com/ltxav/ltxav/envconfig"
	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/version"
)

// Serve runs the HTTP mode on ln. Generation requests share the same mutex
// as stdio mode, so at most one pipeline run is in flight.
func (s *Server) Serve(ln net.Listener) error {
	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("listening", "addr", ln.Addr())
	srv := &http.Server{Handler: s.router()}
	return srv.Serve(ln)
}

func (s *Server) router() *gin.Engine {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ltxav is running")
	})
	r.HEAD("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
	})
	r.POST("/api/generate", s.generateHandler)
	return r
}

func (s *Server) generateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := ConfigFromRequest(req)
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch := make(chan api.GenerateResponse)
	progress := &channelProgress{ch: ch, done: c.Request.Context().Done()}
	go func() {
		defer close(ch)

		result, err := s.safeGenerate(c.Request.Context(), cfg, progress)
		if err != nil {
			progress.send(api.GenerateResponse{Done: true, Error: err.Error()})
			return
		}
		progress.send(api.GenerateResponse{
			Done:           true,
			Success:        true,
			VideoPath:      result.VideoPath,
			AudioPath:      result.AudioPath,
			Seed:           result.Seed,
			Mode:           result.Mode,
			HasAudio:       result.HasAudio,
			EnhancedPrompt: result.EnhancedPrompt,
		})
	}()

	streamResponse(c, ch)
}

func streamResponse(c *gin.Context, ch chan api.GenerateResponse) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Error("streaming response", "error", err)
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Error("streaming response", "error", err)
			return false
		}
		return true
	})
}

// ConfigFromRequest overlays the request's set fields on the default
// generation config.
func ConfigFromRequest(req api.GenerateRequest) pipeline.GenerationConfig {
	cfg := pipeline.DefaultConfig()
	cfg.Prompt = req.Prompt
	cfg.NegativePrompt = req.NegativePrompt
	if req.GuidanceScale > 0 {
		cfg.GuidanceScale = req.GuidanceScale
	}
	if req.Height > 0 {
		cfg.Height = req.Height
	}
	if req.Width > 0 {
		cfg.Width = req.Width
	}
	if req.NumFrames > 0 {
		cfg.NumFrames = req.NumFrames
	}
	if req.FPS > 0 {
		cfg.FPS = req.FPS
	}
	if req.Seed != 0 {
		cfg.Seed = req.Seed
	}
	if req.OutputPath != "" {
		cfg.OutputPath = req.OutputPath
	}
	cfg.Image = req.Image
	if req.ImageStrength > 0 {
		cfg.ImageStrength = req.ImageStrength
	}
	cfg.ImageFrameIdx = req.ImageFrameIdx
	cfg.LoRAPath = req.LoRAPath
	if req.LoRAStrength != 0 {
		cfg.LoRAStrength = req.LoRAStrength
	}
	if req.Tiling != "" {
		cfg.Tiling = req.Tiling
	}
	cfg.NoAudio = req.NoAudio
	cfg.SaveAudioSeparately = req.SaveAudioSeparately
	cfg.EnhancePrompt = req.EnhancePrompt
	return cfg
}

// channelProgress forwards pipeline progress into the NDJSON stream. Sends
// race against the client going away: once the request context is done the
// stream reader has stopped draining, so updates are dropped instead of
// blocking the generation goroutine (and the server mutex) forever.
type channelProgress struct {
	ch   chan<- api.GenerateResponse
	done <-chan struct{}
}

func (p *channelProgress) send(r api.GenerateResponse) {
	select {
	case p.ch <- r:
	case <-p.done:
	}
}

func (p *channelProgress) Status(msg string) {
	p.send(api.GenerateResponse{Status: msg})
}

func (p *channelProgress) Percent(pct int, msg string) {
	p.send(api.GenerateResponse{Status: msg, Percent: pct})
}

func (p *channelProgress) Step(stage, step, total int, msg string) {
	p.send(api.GenerateResponse{Status: msg, Stage: stage, Step: step, Total: total})
}
