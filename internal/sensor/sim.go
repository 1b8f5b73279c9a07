package sensor

import (
	"context"
	"math"
	"sync"
)

// DefaultSimBase is a mild indoor climate near sea level.
func DefaultSimBase() Reading {
	return Reading{
		TemperatureC: 21.5,
		GasOhms:      52000,
		HumidityPct:  45,
		PressureHPa:  1008.5,
	}
}

// Sim produces slowly drifting readings around a base value. The first
// read returns the base exactly, which keeps tests deterministic.
type Sim struct {
	mu       sync.Mutex
	base     Reading
	seaLevel float64
	n        int
	closed   bool
}

// NewSim returns a simulated sensor. base.AltitudeM is ignored and
// recomputed from pressure on every read.
func NewSim(base Reading, seaLevelHPa float64) *Sim {
	return &Sim{base: base, seaLevel: seaLevelHPa}
}

// Read returns the next synthetic reading.
func (s *Sim) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Reading{}, ErrClosed
	}

	phase := math.Sin(float64(s.n) / 30)
	s.n++

	r := Reading{
		TemperatureC: s.base.TemperatureC + 1.5*phase,
		GasOhms:      s.base.GasOhms + 2000*phase,
		HumidityPct:  s.base.HumidityPct - 3*phase,
		PressureHPa:  s.base.PressureHPa + 0.8*phase,
	}
	r.AltitudeM = Altitude(r.PressureHPa, s.seaLevel)
	return r, nil
}

// Close marks the simulator closed; later reads fail with [ErrClosed].
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
