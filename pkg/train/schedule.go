package train

import "math"

// Schedule maps a zero-based step index to a learning rate.
type Schedule interface {
	LR(step int) float64
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) LR(int) float64 { return float64(c) }

// WarmupCosine ramps linearly from zero to Base over WarmupSteps, then
// follows a cosine decay to Min at TotalSteps and stays there.
type WarmupCosine struct {
	Base        float64
	Min         float64
	WarmupSteps int
	TotalSteps  int
}

func (s WarmupCosine) LR(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.Base * float64(step+1) / float64(s.WarmupSteps)
	}
	decaySteps := s.TotalSteps - s.WarmupSteps
	if decaySteps <= 0 || step >= s.TotalSteps {
		return s.Min
	}
	progress := float64(step-s.WarmupSteps) / float64(decaySteps)
	return s.Min + 0.5*(s.Base-s.Min)*(1+math.Cos(math.Pi*progress))
}
