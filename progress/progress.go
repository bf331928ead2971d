// Package progress renders the interactive generation display: one line per
// phase, repainted in place. Load phases show a spinner, each denoising
// stage a step bar.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24

	repaintInterval = 100 * time.Millisecond
)

// State is one line of the display.
type State interface {
	String() string
}

// stopper is implemented by states with their own animation to halt, like
// spinners. Step bars are inert and don't need it.
type stopper interface {
	Stop()
}

// Progress repaints its states over the previously drawn lines on every
// tick. Output is buffered so each repaint reaches the terminal as one
// write.
type Progress struct {
	mu sync.Mutex
	w  *bufio.Writer

	// drawn is how many lines the last repaint produced; the next one
	// rewinds that far.
	drawn int

	ticker *time.Ticker
	states []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: bufio.NewWriter(w)}
	go p.run()
	return p
}

// Add appends a display line. Lines render in insertion order, phases above
// stages.
func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) stop() bool {
	for _, state := range p.states {
		if s, ok := state.(stopper); ok {
			s.Stop()
		}
	}

	if p.ticker == nil {
		return false
	}
	p.ticker.Stop()
	p.ticker = nil
	p.repaint()
	return true
}

// Stop halts the repaint loop, leaving the final display in place. It
// reports whether the loop was still running.
func (p *Progress) Stop() bool {
	stopped := p.stop()
	if stopped {
		fmt.Fprintln(p.w)
	}

	fmt.Fprint(p.w, "\033[?25h") // show cursor
	p.w.Flush()
	return stopped
}

// StopAndClear halts the repaint loop and erases the display.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()
	if stopped {
		for range p.drawn - 1 {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	fmt.Fprint(p.w, "\033[?25h") // show cursor
	p.w.Flush()
	return stopped
}

func (p *Progress) repaint() {
	width, height, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		width, height = defaultTermWidth, defaultTermHeight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Batch the rewind and redraw into one synchronized update so slow
	// terminals don't flicker.
	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.drawn - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	visible := min(len(p.states), height)
	for i := len(p.states) - visible; i < len(p.states); i++ {
		line := p.states[i].String()
		if len(line) > width {
			line = line[:width]
		}
		fmt.Fprint(p.w, line, "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.drawn = len(p.states)
	p.w.Flush()
}

func (p *Progress) run() {
	p.ticker = time.NewTicker(repaintInterval)
	fmt.Fprint(p.w, "\033[?25l") // hide cursor
	for range p.ticker.C {
		p.repaint()
	}
}
