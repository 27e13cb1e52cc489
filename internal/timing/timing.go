// Package timing implements the shot→impact latency model from
// spec.md §4.5: a running mean/sigma estimator blended with a documented
// prior until enough samples accumulate to trust the empirical estimate.
package timing

import (
	"math"
	"sync"
)

// Config tunes the Model's prior and trust threshold.
type Config struct {
	// PriorMeanMS, PriorSigmaMS are the offline-calibrated defaults used
	// before enough empirical samples exist.
	PriorMeanMS  float64
	PriorSigmaMS float64

	// MinSamples (N_min) is the sample count at which confidence reaches 1
	// and the model is considered fully trusted.
	MinSamples int
}

// DefaultConfig returns spec.md §4.5's documented defaults.
func DefaultConfig() Config {
	return Config{PriorMeanMS: 526, PriorSigmaMS: 94, MinSamples: 10}
}

// Snapshot is a point-in-time read of the model, suitable for
// checkpointing and for the correlator's window computation.
type Snapshot struct {
	MeanMS     float64
	SigmaMS    float64
	N          int
	Confidence float64
}

// Model tracks a running mean/sigma of shot→impact latency via Welford's
// online algorithm, blended toward the documented prior while n < N_min.
type Model struct {
	mu sync.RWMutex

	config Config

	n          int
	empMean    float64
	m2         float64 // sum of squared deviations, Welford's running accumulator
}

// New creates a Model. A zero Config is replaced with DefaultConfig.
func New(config Config) *Model {
	if config.MinSamples <= 0 {
		config = DefaultConfig()
	}
	return &Model{config: config}
}

// Restore seeds a Model from a previously checkpointed state, so a restart
// continues from where the prior run left off (spec.md §4.5).
func Restore(config Config, n int, empMean, m2 float64) *Model {
	m := New(config)
	m.n = n
	m.empMean = empMean
	m.m2 = m2
	return m
}

// Observe folds one confirmed correlation's measured latency (ms) into the
// running estimate.
func (m *Model) Observe(latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.n++
	delta := latencyMS - m.empMean
	m.empMean += delta / float64(m.n)
	delta2 := latencyMS - m.empMean
	m.m2 += delta * delta2
}

// Snapshot returns the blended mean/sigma the correlator should use right
// now, along with the raw sample count and confidence.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	confidence := float64(m.n) / float64(m.config.MinSamples)
	if confidence > 1 {
		confidence = 1
	}

	if m.n == 0 {
		return Snapshot{MeanMS: m.config.PriorMeanMS, SigmaMS: m.config.PriorSigmaMS, N: 0, Confidence: 0}
	}

	empSigma := 0.0
	if m.n > 1 {
		empSigma = math.Sqrt(m.m2 / float64(m.n-1))
	}

	// Blend weight grows linearly from 0 (pure prior) to 1 (pure
	// empirical) as n approaches MinSamples.
	w := confidence
	mean := (1-w)*m.config.PriorMeanMS + w*m.empMean
	sigma := (1-w)*m.config.PriorSigmaMS + w*empSigma

	return Snapshot{MeanMS: mean, SigmaMS: sigma, N: m.n, Confidence: confidence}
}

// Checkpoint returns the raw Welford accumulators for persistence, exposed
// separately from Snapshot because the blended view is lossy for restore.
func (m *Model) Checkpoint() (n int, empMean, m2 float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.n, m.empMean, m.m2
}
