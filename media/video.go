package media

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ltxav/ltxav/ml"
)

// Writer encodes frames and muxes audio through the system ffmpeg binary.
type Writer struct {
	ffmpeg string
}

// NewWriter locates ffmpeg in PATH.
func NewWriter() (*Writer, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return &Writer{ffmpeg: path}, nil
}

// WriteVideo streams (frames,H,W,3) pixels in [0,1] to ffmpeg over stdin as
// raw rgb24 and encodes H.264 with a web-friendly moov placement.
func (w *Writer) WriteVideo(path string, frames *ml.Array, fps int) error {
	n, height, width := frames.Dim(0), frames.Dim(1), frames.Dim(2)

	cmd := exec.Command(w.ffmpeg,
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	_, werr := stdin.Write(frameBytes(frames, n, height, width))
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w (stderr: %s)", err, stderr.String())
	}
	if werr != nil {
		return fmt.Errorf("streaming frames: %w", werr)
	}
	return nil
}

// Mux combines the silent video with the WAV track into outPath, copying the
// video stream and encoding audio as AAC. Encoding goes to a scratch file so
// a failed run never clobbers outPath.
func (w *Writer) Mux(videoPath, audioPath, outPath string) error {
	scratch := filepath.Join(filepath.Dir(outPath), uuid.NewString()+".mp4")
	defer os.Remove(scratch)

	cmd := exec.Command(w.ffmpeg,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		"-f", "mp4",
		scratch,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg mux failed: %w (stderr: %s)", err, stderr.String())
	}
	return os.Rename(scratch, outPath)
}

func frameBytes(frames *ml.Array, n, height, width int) []byte {
	out := make([]byte, n*height*width*3)
	for i, v := range frames.Data() {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = byte(v*255 + 0.5)
	}
	return out
}
