// Package schedule implements the learning rate schedule used for EHR model
// pretraining: a linear warmup from an initial rate to the optimizer's peak
// rate, a linear decay to a final rate, then a constant plateau.
//
// The schedule is expressed as a multiplier on the peak rate, so that
//
//	effective_lr(step) = peak_lr * Multiplier(step)
package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidWarmupSteps = errors.New("schedule: num_warmup_steps must be > 0")
	ErrInvalidDecaySteps  = errors.New("schedule: num_decay_steps must be > 0")
	ErrZeroPeakLR         = errors.New("schedule: peak learning rate must be non-zero")
)

// Params holds the shape of the schedule. It is immutable once validated.
type Params struct {
	WarmupSteps int
	DecaySteps  int
	InitialLR   float64
	PeakLR      float64
	FinalLR     float64
}

// Validate checks the construction-time preconditions. Multiplier does not
// re-check them.
func (p Params) Validate() error {
	if p.WarmupSteps <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidWarmupSteps, p.WarmupSteps)
	}
	if p.DecaySteps <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidDecaySteps, p.DecaySteps)
	}
	if p.PeakLR == 0 {
		return ErrZeroPeakLR
	}
	return nil
}

// LR returns the effective learning rate at step.
//
//	warmup  [0, W):     initial + (peak - initial) * step / W
//	decay   [W, W+D):   peak + (final - peak) * (step - W) / D
//	plateau [W+D, inf): final
func (p Params) LR(step int) float64 {
	w, d := p.WarmupSteps, p.DecaySteps
	switch {
	case step < w:
		return p.InitialLR + (p.PeakLR-p.InitialLR)*float64(step)/float64(w)
	case step < w+d:
		return p.PeakLR + (p.FinalLR-p.PeakLR)*float64(step-w)/float64(d)
	default:
		return p.FinalLR
	}
}

// Multiplier returns the factor by which the peak learning rate is scaled at
// step. Step W returns exactly 1.0.
func (p Params) Multiplier(step int) float64 {
	if step == p.WarmupSteps {
		return 1.0
	}
	return p.LR(step) / p.PeakLR
}

// TotalSteps is the first step of the plateau.
func (p Params) TotalSteps() int {
	return p.WarmupSteps + p.DecaySteps
}
