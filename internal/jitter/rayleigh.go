// Package jitter draws the random delays that spread submissions over a window
// after their trigger time instead of firing them all at once.
package jitter

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MaxResample bounds rejection sampling. With upbound >= sigma a single draw is
// accepted with probability > 0.39, so the cap only matters for pathological
// sigma/upbound ratios.
const MaxResample = 1000

// Sampler draws Rayleigh-distributed delays. It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Sampler backed by src. A nil src seeds from the clock.
func New(src rand.Source) *Sampler {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Sampler{rng: rand.New(src)}
}

// uniform returns a value in (0, 1].
func (s *Sampler) uniform() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 - s.rng.Float64()
}

// RayleighUnbounded draws from a Rayleigh distribution with scale sigma.
func (s *Sampler) RayleighUnbounded(sigma float64) float64 {
	return s.Rayleigh(sigma, math.Inf(1))
}

// Rayleigh draws from a Rayleigh distribution with scale sigma, restricted to
// values below upbound.
//
// Draws at or above a positive upbound are rejected and redrawn, up to
// MaxResample times; after that a uniform value in [0, upbound) is returned.
// A non-positive upbound clamps any out-of-bound draw to exactly upbound.
func (s *Sampler) Rayleigh(sigma, upbound float64) float64 {
	for i := 0; i < MaxResample; i++ {
		x := rayleighInverse(sigma, s.uniform())
		if x < upbound {
			return x
		}
		if upbound <= 0 {
			return upbound
		}
	}
	return (1 - s.uniform()) * upbound
}

// rayleighInverse maps u in (0, 1] through the inverse Rayleigh CDF.
func rayleighInverse(sigma, u float64) float64 {
	if u <= 0 {
		return math.Inf(1)
	}
	return sigma * math.Sqrt(-2*math.Log(u))
}

// Delay draws a delay in whole seconds (floored), as used for deferred submissions.
func (s *Sampler) Delay(sigma, upbound float64) time.Duration {
	sec := math.Floor(s.Rayleigh(sigma, upbound))
	if sec < 0 || math.IsNaN(sec) {
		return 0
	}
	return time.Duration(sec) * time.Second
}
