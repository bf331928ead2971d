package server

import (
	"fmt"
	"io"
	"sync"
)

// TagProgress writes the host protocol's tagged progress lines to a side
// channel, normally stderr. Stdout stays reserved for result JSON.
type TagProgress struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTagProgress(w io.Writer) *TagProgress {
	return &TagProgress{w: w}
}

func (p *TagProgress) Status(msg string) {
	p.printf("STATUS:%s", msg)
}

func (p *TagProgress) Percent(pct int, msg string) {
	p.printf("PROGRESS:%d:%s", pct, msg)
}

func (p *TagProgress) Step(stage, step, total int, msg string) {
	p.printf("STAGE:%d:STEP:%d:%d:%s", stage, step, total, msg)
}

func (p *TagProgress) Error(msg string) {
	p.printf("ERROR:%s", msg)
}

func (p *TagProgress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}
