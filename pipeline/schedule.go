package pipeline

import "fmt"

// Schedule is a stage's noise levels: sigmas in descending order with a
// terminal zero, so a schedule of N steps has N+1 entries. Step i moves the
// latent from Sigmas[i] to Sigmas[i+1].
type Schedule []float32

// Stage1Sigmas is the coarse 8-step schedule. It starts at 1.0: stage 1
// begins from pure noise.
var Stage1Sigmas = Schedule{1.0, 0.99219, 0.98438, 0.97656, 0.96094, 0.93359, 0.87891, 0.72656, 0.0}

// Stage2Sigmas is the 3-step refinement schedule. Its first sigma is the
// re-noising level applied to the upsampled stage-1 result.
var Stage2Sigmas = Schedule{0.90625, 0.75, 0.46875, 0.0}

// Steps returns the number of denoising steps the schedule drives.
func (s Schedule) Steps() int { return len(s) - 1 }

// Validate rejects schedules that cannot drive a denoise loop.
func (s Schedule) Validate() error {
	if len(s) < 2 {
		return fmt.Errorf("schedule needs at least one step, got %d sigmas", len(s))
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i+1] > s[i] {
			return fmt.Errorf("schedule not descending at %d: %v -> %v", i, s[i], s[i+1])
		}
	}
	if last := s[len(s)-1]; last != 0 {
		return fmt.Errorf("schedule must end at zero, got %v", last)
	}
	return nil
}
