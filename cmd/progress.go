package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/ltxav/ltxav/pipeline"
	"github.com/ltxav/ltxav/progress"
	"github.com/ltxav/ltxav/server"
)

// newProgress picks a renderer for generation progress: an interactive
// display on a TTY, the host protocol's tagged stderr lines otherwise.
func newProgress(verbose bool) (pipeline.Progress, func()) {
	if verbose || !stderrIsTerminal() {
		return server.NewTagProgress(os.Stderr), func() {}
	}

	p := progress.NewProgress(os.Stderr)
	return &ttyProgress{p: p}, func() { p.Stop() }
}

// ttyProgress renders load phases as spinners and denoise stages as step
// bars.
type ttyProgress struct {
	mu      sync.Mutex
	p       *progress.Progress
	spinner *progress.Spinner
	bars    map[int]*progress.StepBar
}

func (t *ttyProgress) Status(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopSpinner()
	t.spinner = progress.NewSpinner(msg)
	t.p.Add(t.spinner)
}

func (t *ttyProgress) Percent(pct int, msg string) {
	t.Status(fmt.Sprintf("%s (%d%%)", msg, pct))
}

func (t *ttyProgress) Step(stage, step, total int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopSpinner()
	if t.bars == nil {
		t.bars = make(map[int]*progress.StepBar)
	}
	bar, ok := t.bars[stage]
	if !ok {
		bar = progress.NewStepBar(fmt.Sprintf("stage %d", stage), total)
		t.bars[stage] = bar
		t.p.Add(bar)
	}
	bar.Set(step)
}

func (t *ttyProgress) stopSpinner() {
	if t.spinner != nil {
		t.spinner.Stop()
		t.spinner = nil
	}
}
