package progress

import (
	"strings"
	"testing"
	"time"
)

func TestSpinnerShowsMessageAndGlyph(t *testing.T) {
	spinner := NewSpinner("loading transformer")
	defer spinner.Stop()

	out := spinner.String()
	if !strings.Contains(out, "loading transformer") {
		t.Errorf("String() = %q, missing message", out)
	}

	found := false
	for _, part := range spinner.parts {
		if strings.Contains(out, part) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("String() = %q, missing animation glyph", out)
	}
}

func TestSpinnerSetMessageSwapsText(t *testing.T) {
	spinner := NewSpinner("encoding prompt")
	defer spinner.Stop()

	spinner.SetMessage("merging adapter")

	out := spinner.String()
	if strings.Contains(out, "encoding prompt") {
		t.Errorf("String() = %q, still shows the old message", out)
	}
	if !strings.Contains(out, "merging adapter") {
		t.Errorf("String() = %q, missing the new message", out)
	}
}

func TestSpinnerStopDropsGlyph(t *testing.T) {
	spinner := NewSpinner("done")
	spinner.Stop()

	out := spinner.String()
	if !strings.Contains(out, "done") {
		t.Errorf("String() after Stop = %q, missing message", out)
	}
	for _, part := range spinner.parts {
		if strings.Contains(out, part) {
			t.Errorf("String() after Stop = %q, still animating", out)
		}
	}
}

func TestSpinnerStopKeepsFirstTimestamp(t *testing.T) {
	spinner := NewSpinner("decoding")

	spinner.Stop()
	first := spinner.stopped

	time.Sleep(10 * time.Millisecond)
	spinner.Stop()

	if !first.Equal(spinner.stopped) {
		t.Error("second Stop() moved the stop time")
	}
}

func TestSpinnerTruncatesToMessageWidth(t *testing.T) {
	spinner := NewSpinner("a very long phase description that will not fit")
	defer spinner.Stop()

	spinner.messageWidth = 12

	out := spinner.String()
	if strings.Contains(out, "description") {
		t.Errorf("String() = %q, message not truncated to width", out)
	}
}
