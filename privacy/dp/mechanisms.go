// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dp

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrInvalidEpsilon     = errors.New("epsilon must be positive")
	ErrInvalidDelta       = errors.New("delta must be in (0, 1)")
	ErrInvalidSensitivity = errors.New("sensitivity must be positive")
	ErrNoCandidates       = errors.New("exponential mechanism requires at least one candidate")
	ErrSparseExhausted    = errors.New("sparse vector budget exhausted")
)

// Mechanisms bundles the noise primitives around a shared random source.
// All methods are safe for concurrent use.
type Mechanisms struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMechanisms returns a Mechanisms seeded from the wall clock.
func NewMechanisms() *Mechanisms {
	return NewMechanismsWithSeed(time.Now().UnixNano())
}

// NewMechanismsWithSeed returns a Mechanisms with a pinned noise stream.
func NewMechanismsWithSeed(seed int64) *Mechanisms {
	return &Mechanisms{rng: rand.New(rand.NewSource(seed))}
}

func validate(sensitivity, epsilon float64) error {
	if epsilon <= 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidEpsilon, epsilon)
	}
	if sensitivity <= 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidSensitivity, sensitivity)
	}
	return nil
}

// Laplace adds Laplace(0, sensitivity/epsilon) noise to value.
func (m *Mechanisms) Laplace(value, sensitivity, epsilon float64) (float64, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return 0, err
	}
	scale := sensitivity / epsilon
	return value + m.laplaceNoise(scale), nil
}

// Gaussian adds N(0, sigma^2) noise with sigma = s * sqrt(2 ln(1.25/delta)) / epsilon.
func (m *Mechanisms) Gaussian(value, sensitivity, epsilon, delta float64) (float64, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return 0, err
	}
	if delta <= 0 || delta >= 1 {
		return 0, fmt.Errorf("%w: got %g", ErrInvalidDelta, delta)
	}
	sigma := sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon

	m.mu.Lock()
	noise := m.rng.NormFloat64() * sigma
	m.mu.Unlock()

	return value + noise, nil
}

// Candidate is one option presented to the exponential mechanism.
type Candidate struct {
	Value   string
	Utility float64
}

// Exponential selects one candidate with probability proportional to
// exp(epsilon * utility / (2 * sensitivity)). Utilities are shifted by their
// maximum before exponentiating so large scores cannot overflow.
func (m *Mechanisms) Exponential(candidates []Candidate, sensitivity, epsilon float64) (string, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	maxUtility := candidates[0].Utility
	for _, c := range candidates[1:] {
		if c.Utility > maxUtility {
			maxUtility = c.Utility
		}
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		weights[i] = math.Exp(epsilon * (c.Utility - maxUtility) / (2 * sensitivity))
		total += weights[i]
	}

	m.mu.Lock()
	r := m.rng.Float64() * total
	m.mu.Unlock()

	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return candidates[i].Value, nil
		}
	}
	return candidates[len(candidates)-1].Value, nil
}

// laplaceNoise draws from Laplace(0, scale) by inverse transform.
func (m *Mechanisms) laplaceNoise(scale float64) float64 {
	m.mu.Lock()
	u := m.rng.Float64() - 0.5
	m.mu.Unlock()

	if u >= 0 {
		return -scale * math.Log(1-2*u)
	}
	return scale * math.Log(1+2*u)
}

// SparseVector answers a stream of threshold comparisons under a fixed
// epsilon. The budget is split evenly between a one-shot noisy threshold and
// the per-query noise; after maxAbove positive answers every further call
// returns ErrSparseExhausted.
type SparseVector struct {
	mu             sync.Mutex
	mech           *Mechanisms
	noisyThreshold float64
	queryScale     float64
	remaining      int
}

// NewSparseVector prepares a sparse-vector run against threshold. maxAbove is
// the number of positive answers the epsilon budget covers.
func NewSparseVector(mech *Mechanisms, threshold, epsilon, sensitivity float64, maxAbove int) (*SparseVector, error) {
	if err := validate(sensitivity, epsilon); err != nil {
		return nil, err
	}
	if maxAbove <= 0 {
		return nil, errors.New("max above count must be positive")
	}

	epsThreshold := epsilon / 2
	epsQueries := epsilon / 2

	sv := &SparseVector{
		mech:       mech,
		queryScale: 4 * float64(maxAbove) * sensitivity / epsQueries,
		remaining:  maxAbove,
	}
	sv.noisyThreshold = threshold + mech.laplaceNoise(2*sensitivity/epsThreshold)
	return sv, nil
}

// AboveThreshold reports whether the noisy value exceeds the noisy threshold.
func (s *SparseVector) AboveThreshold(value float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remaining <= 0 {
		return false, ErrSparseExhausted
	}

	noisy := value + s.mech.laplaceNoise(s.queryScale)
	if noisy >= s.noisyThreshold {
		s.remaining--
		return true, nil
	}
	return false, nil
}

// Remaining returns how many positive answers the budget still covers.
func (s *SparseVector) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}
