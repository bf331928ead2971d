package progress

import (
	"fmt"
	"strings"
)

// stepBarWidth is the bar's cell count, independent of how many steps a
// stage runs.
const stepBarWidth = 24

// StepBar renders one denoising stage as a fixed-width bar with a step
// counter, e.g. "stage 1  50% ▕████████████            ▏ 4/8".
type StepBar struct {
	message string
	current int
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

// Set records the last completed step, clamped to [0, total].
func (s *StepBar) Set(current int) {
	if current < 0 {
		current = 0
	}
	if current > s.total {
		current = s.total
	}
	s.current = current
}

func (s *StepBar) String() string {
	frac := float64(s.current) / float64(s.total)
	fill := int(frac*stepBarWidth + 0.5)

	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, frac*100,
		strings.Repeat("█", fill), strings.Repeat(" ", stepBarWidth-fill),
		s.current, s.total)
}
