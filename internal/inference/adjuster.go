package inference

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// Band is a closed range of additive perturbation.
type Band struct {
	Min float64
	Max float64
}

// DiurnalConfig describes the rush-hour windows of the adjuster. Hours are
// local clock hours, both ends inclusive.
type DiurnalConfig struct {
	MorningStart int
	MorningEnd   int
	Morning      Band

	EveningStart int
	EveningEnd   int
	Evening      Band

	Otherwise Band
}

// DefaultDiurnalConfig returns the stock rush-hour profile.
func DefaultDiurnalConfig() DiurnalConfig {
	return DiurnalConfig{
		MorningStart: 6,
		MorningEnd:   9,
		Morning:      Band{Min: 0, Max: 10},
		EveningStart: 17,
		EveningEnd:   20,
		Evening:      Band{Min: 0, Max: 8},
		Otherwise:    Band{Min: -5, Max: 5},
	}
}

// Validate checks hour bounds and band ordering.
func (c DiurnalConfig) Validate() error {
	for _, h := range []int{c.MorningStart, c.MorningEnd, c.EveningStart, c.EveningEnd} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: diurnal hour %d out of range 0-23", airquality.ErrValidation, h)
		}
	}
	if c.MorningStart > c.MorningEnd || c.EveningStart > c.EveningEnd {
		return fmt.Errorf("%w: diurnal window start after end", airquality.ErrValidation)
	}
	for _, b := range []Band{c.Morning, c.Evening, c.Otherwise} {
		if b.Min > b.Max {
			return fmt.Errorf("%w: diurnal band min %v greater than max %v", airquality.ErrValidation, b.Min, b.Max)
		}
	}
	return nil
}

// Adjuster adds hour-of-day dependent noise to a raw model output.
// It is safe for concurrent use.
type Adjuster struct {
	cfg DiurnalConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAdjuster returns an Adjuster drawing from src.
func NewAdjuster(cfg DiurnalConfig, src rand.Source) (*Adjuster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: random source is required", airquality.ErrValidation)
	}
	return &Adjuster{cfg: cfg, rng: rand.New(src)}, nil
}

// Adjust perturbs v for the given local hour and clamps the result at zero.
func (a *Adjuster) Adjust(hour int, v float64) float64 {
	b := a.band(hour)

	a.mu.Lock()
	u := a.rng.Float64()
	a.mu.Unlock()

	out := v + b.Min + u*(b.Max-b.Min)
	if out < 0 {
		return 0
	}
	return out
}

func (a *Adjuster) band(hour int) Band {
	switch {
	case hour >= a.cfg.MorningStart && hour <= a.cfg.MorningEnd:
		return a.cfg.Morning
	case hour >= a.cfg.EveningStart && hour <= a.cfg.EveningEnd:
		return a.cfg.Evening
	default:
		return a.cfg.Otherwise
	}
}
