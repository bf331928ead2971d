package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltxav/ltxav/api"
	"github.com/ltxav/ltxav/pipeline"
)

func okGenerate(_ context.Context, cfg pipeline.GenerationConfig, progress pipeline.Progress) (*pipeline.Result, error) {
	progress.Status("loading model")
	progress.Step(1, 1, 8, "denoising")
	return &pipeline.Result{
		VideoPath: cfg.OutputPath,
		Seed:      cfg.Seed,
		Mode:      cfg.Mode(),
		HasAudio:  !cfg.NoAudio,
	}, nil
}

func runStdio(t *testing.T, generate GenerateFunc, input string) (stdout, stderr string) {
	t.Helper()
	var out, side bytes.Buffer
	s := New(generate, &out, &side)
	require.NoError(t, s.Run(context.Background(), strings.NewReader(input)))
	return out.String(), side.String()
}

func TestStdioReady(t *testing.T) {
	_, stderr := runStdio(t, okGenerate, "")
	assert.True(t, strings.HasPrefix(stderr, "SERVER_READY\n"))
}

func TestStdioPing(t *testing.T) {
	stdout, _ := runStdio(t, okGenerate, `{"command":"ping"}`+"\n")
	assert.Equal(t, `{"status":"pong"}`+"\n", stdout)
}

func TestStdioUnknownCommand(t *testing.T) {
	stdout, _ := runStdio(t, okGenerate, `{"command":"reticulate"}`+"\n")

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "unknown command: reticulate", resp["error"])
}

func TestStdioQuitStopsLoop(t *testing.T) {
	stdout, _ := runStdio(t, okGenerate, `{"command":"quit"}`+"\n"+`{"command":"ping"}`+"\n")
	assert.Empty(t, stdout, "commands after quit must not run")
}

func TestStdioGenerate(t *testing.T) {
	stdout, stderr := runStdio(t, okGenerate,
		`{"command":"generate","params":{"prompt":"a river","seed":7,"output_path":"river.mp4"}}`+"\n")

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "river.mp4", resp["video_path"])
	assert.Equal(t, float64(7), resp["seed"])
	assert.Equal(t, "t2v", resp["mode"])
	assert.Equal(t, true, resp["has_audio"])

	assert.Contains(t, stderr, "STATUS:loading model\n")
	assert.Contains(t, stderr, "STAGE:1:STEP:1:8:denoising\n")
}

func TestStdioGenerateError(t *testing.T) {
	fail := func(context.Context, pipeline.GenerationConfig, pipeline.Progress) (*pipeline.Result, error) {
		return nil, errors.New("model blew up")
	}
	stdout, stderr := runStdio(t, fail, `{"command":"generate","params":{"prompt":"x"}}`+"\n")

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "model blew up", resp["error"])
	assert.Contains(t, stderr, "ERROR:model blew up\n")
}

// A panicking pipeline must degrade to the structured error response and
// leave the server answering commands, with the mutex released.
func TestStdioGeneratePanicRecovered(t *testing.T) {
	boom := func(context.Context, pipeline.GenerationConfig, pipeline.Progress) (*pipeline.Result, error) {
		panic("ml: MatMul shape mismatch")
	}
	stdout, stderr := runStdio(t, boom,
		`{"command":"generate","params":{"prompt":"x"}}`+"\n"+
			`{"command":"generate","params":{"prompt":"x"}}`+"\n"+
			`{"command":"ping"}`+"\n")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3, "the loop must survive both panics")
	for _, line := range lines[:2] {
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		assert.Equal(t, false, resp["success"])
		assert.Contains(t, resp["error"], "ml: MatMul shape mismatch")
	}
	assert.Equal(t, `{"status":"pong"}`, lines[2])
	assert.Contains(t, stderr, "ERROR:")
}

func TestStdioInvalidJSON(t *testing.T) {
	stdout, _ := runStdio(t, okGenerate, "not json\n"+`{"command":"ping"}`+"\n")
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2, "a bad line must not kill the loop")
	assert.Contains(t, lines[0], "invalid request")
	assert.Equal(t, `{"status":"pong"}`, lines[1])
}

func TestDecodeParamsWeakTyping(t *testing.T) {
	cfg, err := DecodeParams(map[string]any{
		"prompt":     "a storm",
		"height":     float64(384), // JSON numbers decode as float64
		"num_frames": float64(73),
		"seed":       float64(99),
		"no_audio":   "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "a storm", cfg.Prompt)
	assert.Equal(t, 384, cfg.Height)
	assert.Equal(t, 73, cfg.NumFrames)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.True(t, cfg.NoAudio)
	assert.Equal(t, 512, cfg.Width, "unset params keep defaults")
	assert.Equal(t, 1.0, cfg.LoRAStrength)
}

// Once the request context is done nothing drains the stream channel; sends
// must drop instead of parking the generation goroutine (and the mutex).
func TestChannelProgressDropsWhenClientGone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	p := &channelProgress{ch: make(chan api.GenerateResponse), done: done}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		p.Status("still working")
		p.Percent(50, "halfway")
		p.Step(1, 4, 8, "denoising")
		p.send(api.GenerateResponse{Done: true, Success: true})
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("progress sends blocked after the reader went away")
	}
}

func TestConfigFromRequest(t *testing.T) {
	cfg := ConfigFromRequest(api.GenerateRequest{
		Prompt:         "a storm",
		NegativePrompt: "calm seas",
		Height:         384,
		Seed:           -1,
	})
	assert.Equal(t, 384, cfg.Height)
	assert.Equal(t, 512, cfg.Width)
	assert.Equal(t, int64(-1), cfg.Seed)
	assert.Equal(t, "auto", cfg.Tiling)
	assert.Equal(t, "calm seas", cfg.NegativePrompt)
	assert.Equal(t, 5.0, cfg.GuidanceScale, "default scale when the request leaves it unset")
}

// closeNotifyRecorder adds the http.CloseNotifier interface gin's c.Stream
// requires, which a bare httptest.ResponseRecorder does not implement.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func TestHTTPGenerateStream(t *testing.T) {
	s := New(okGenerate, nil, new(bytes.Buffer))

	body, _ := json.Marshal(api.GenerateRequest{Prompt: "a river", OutputPath: "river.mp4"})
	req := httptest.NewRequest("POST", "/api/generate", bytes.NewReader(body))
	w := &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}

	s.router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var responses []api.GenerateResponse
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		var resp api.GenerateResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}

	require.NotEmpty(t, responses)
	final := responses[len(responses)-1]
	assert.True(t, final.Done)
	assert.True(t, final.Success)
	assert.Equal(t, "river.mp4", final.VideoPath)
	assert.Equal(t, "loading model", responses[0].Status)
}

func TestHTTPRoot(t *testing.T) {
	s := New(okGenerate, nil, new(bytes.Buffer))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "ltxav is running", w.Body.String())

	w = httptest.NewRecorder()
	s.router().ServeHTTP(w, httptest.NewRequest("HEAD", "/", nil))
	assert.Equal(t, 200, w.Code)
}

func TestHTTPVersion(t *testing.T) {
	s := New(okGenerate, nil, new(bytes.Buffer))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, httptest.NewRequest("GET", "/api/version", nil))
	require.Equal(t, 200, w.Code)

	var resp api.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Version)
}

func TestHTTPGenerateBadConfig(t *testing.T) {
	s := New(okGenerate, nil, new(bytes.Buffer))

	body, _ := json.Marshal(api.GenerateRequest{Prompt: "x", Height: 500})
	req := httptest.NewRequest("POST", "/api/generate", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.router().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}
