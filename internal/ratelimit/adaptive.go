package ratelimit

import (
	"math"
	"time"
)

const (
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 10 * time.Second
	errorMultiplierStep   = 0.1
	errorMultiplierMaxCap = 3.0
)

// ProgressStep applies Multiplier while campaign progress is below Below.
type ProgressStep struct {
	Below      float64
	Multiplier float64
}

// DefaultProgressSteps slow the ramp-up of a campaign and speed up its tail.
// Progress at or above the last threshold uses DefaultTailMultiplier.
var DefaultProgressSteps = []ProgressStep{
	{Below: 20, Multiplier: 1.5},
	{Below: 50, Multiplier: 1.2},
	{Below: 80, Multiplier: 1.0},
}

const DefaultTailMultiplier = 0.8

// AdaptiveDelay computes the pacing delay before the next send.
type AdaptiveDelay struct {
	Base           time.Duration
	Max            time.Duration
	Steps          []ProgressStep
	TailMultiplier float64
}

func NewAdaptiveDelay(base, max time.Duration) AdaptiveDelay {
	return AdaptiveDelay{Base: base, Max: max}
}

// Delay scales the base delay by the error count (capped at 3x) and by the
// campaign progress percentage, then caps the result at Max.
func (a AdaptiveDelay) Delay(errorCount int, progressPercent float64) time.Duration {
	base := a.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := a.Max
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if errorCount < 0 {
		errorCount = 0
	}

	errorMultiplier := math.Min(1+float64(errorCount)*errorMultiplierStep, errorMultiplierMaxCap)
	millis := float64(base.Milliseconds()) * errorMultiplier * a.progressMultiplier(progressPercent)
	delay := time.Duration(math.Round(millis)) * time.Millisecond

	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (a AdaptiveDelay) progressMultiplier(progress float64) float64 {
	steps := a.Steps
	if len(steps) == 0 {
		steps = DefaultProgressSteps
	}
	for _, step := range steps {
		if progress < step.Below {
			return step.Multiplier
		}
	}
	if a.TailMultiplier > 0 {
		return a.TailMultiplier
	}
	return DefaultTailMultiplier
}
