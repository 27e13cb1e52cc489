// Package calibrate establishes, per sensor, the idle baseline (zero
// offset) and noise-floor sigma the detector needs, per spec.md §4.3.
package calibrate

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Status is the calibration lifecycle state of a sensor.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusComplete
	StatusTimedOut
)

// Baseline is the result of a completed (or best-effort, on timeout)
// calibration.
type Baseline struct {
	SensorID string

	OffsetVX, OffsetVY, OffsetVZ float64
	NoiseSigma                   float64
	SampleCount                  int
	Status                       Status
	CompletedAt                  time.Time
}

// Config tunes the calibrator.
type Config struct {
	// TargetSamples is the number of samples collected before computing
	// the baseline (default 100).
	TargetSamples int

	// Timeout is how long to wait for TargetSamples before giving up and
	// emitting a best-effort baseline (default 30s).
	Timeout time.Duration

	// IQRMultiplier is the interquartile-range fence multiplier used to
	// drop outliers before computing mean/sigma (default 1.5).
	IQRMultiplier float64
}

// DefaultConfig returns spec.md §4.3's documented defaults.
func DefaultConfig() Config {
	return Config{TargetSamples: 100, Timeout: 30 * time.Second, IQRMultiplier: 1.5}
}

// sample is one raw accelerometer reading fed to the calibrator.
type sample struct {
	vx, vy, vz, magnitude float64
}

// Calibrator accumulates samples for one sensor and produces a Baseline.
// Every method takes the internal lock, so concurrent calls are safe; the
// coordinator feeds it from the single per-sensor consumer loop, per
// spec.md §5's "no shared mutable state crosses task boundaries except via
// channels" rule.
type Calibrator struct {
	mu sync.RWMutex

	sensorID string
	config   Config

	samples []sample
	status  Status
	started time.Time
}

// New creates a Calibrator for one sensor.
func New(sensorID string, config Config) *Calibrator {
	if config.TargetSamples <= 0 {
		config.TargetSamples = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IQRMultiplier <= 0 {
		config.IQRMultiplier = 1.5
	}

	return &Calibrator{
		sensorID: sensorID,
		config:   config,
		status:   StatusPending,
		samples:  make([]sample, 0, config.TargetSamples),
	}
}

// Status returns the calibrator's current lifecycle status.
func (c *Calibrator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Complete reports whether calibration has finished (either by reaching
// TargetSamples or by timing out with a best-effort baseline).
func (c *Calibrator) Complete() bool {
	s := c.Status()
	return s == StatusComplete || s == StatusTimedOut
}

// Feed adds one sample. It returns (baseline, true) the moment enough
// samples have been collected to finalize calibration; otherwise it
// returns (zero, false) and the caller keeps feeding samples.
func (c *Calibrator) Feed(vx, vy, vz, magnitude float64) (Baseline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusComplete || c.status == StatusTimedOut {
		return Baseline{}, false
	}
	if c.status == StatusPending {
		c.status = StatusRunning
		c.started = time.Now()
	}

	c.samples = append(c.samples, sample{vx: vx, vy: vy, vz: vz, magnitude: magnitude})

	if len(c.samples) < c.config.TargetSamples {
		return Baseline{}, false
	}

	baseline := c.computeLocked(StatusComplete)
	return baseline, true
}

// CheckTimeout returns (baseline, true) if the calibrator has been running
// longer than config.Timeout without reaching TargetSamples. Callers poll
// this from a ticker; it is idempotent after the first timeout.
func (c *Calibrator) CheckTimeout(now time.Time) (Baseline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return Baseline{}, false
	}
	if now.Sub(c.started) < c.config.Timeout {
		return Baseline{}, false
	}

	return c.computeLocked(StatusTimedOut), true
}

// Reset clears all accumulated state, implementing the explicit
// recalibrate(sensor_id) operation from spec.md §4.3.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = c.samples[:0]
	c.status = StatusPending
}

// computeLocked filters outliers by IQR on magnitude, computes the
// per-axis mean baseline and magnitude sigma, and marks the calibrator
// with the given terminal status. Caller must hold c.mu.
func (c *Calibrator) computeLocked(status Status) Baseline {
	filtered := filterByIQR(c.samples, c.config.IQRMultiplier)
	if len(filtered) == 0 {
		// Degenerate data: fall back to the unfiltered set so a baseline
		// is always produced (spec.md §7: calibration failure is
		// surfaced, never silently empty).
		filtered = c.samples
	}

	var sumVX, sumVY, sumVZ, sumMag float64
	for _, s := range filtered {
		sumVX += s.vx
		sumVY += s.vy
		sumVZ += s.vz
		sumMag += s.magnitude
	}
	n := float64(len(filtered))
	meanVX, meanVY, meanVZ := sumVX/n, sumVY/n, sumVZ/n
	meanMag := sumMag / n

	var varSum float64
	for _, s := range filtered {
		d := s.magnitude - meanMag
		varSum += d * d
	}
	sigma := math.Sqrt(varSum / n)

	c.status = status

	return Baseline{
		SensorID:    c.sensorID,
		OffsetVX:    meanVX,
		OffsetVY:    meanVY,
		OffsetVZ:    meanVZ,
		NoiseSigma:  sigma,
		SampleCount: len(c.samples),
		Status:      status,
		CompletedAt: time.Now(),
	}
}

// filterByIQR drops samples whose magnitude falls outside
// [Q1 - k*IQR, Q3 + k*IQR].
func filterByIQR(samples []sample, k float64) []sample {
	if len(samples) < 4 {
		return samples
	}

	sorted := make([]float64, len(samples))
	for i, s := range samples {
		sorted[i] = s.magnitude
	}
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	lo := q1 - k*iqr
	hi := q3 + k*iqr

	out := make([]sample, 0, len(samples))
	for _, s := range samples {
		if s.magnitude >= lo && s.magnitude <= hi {
			out = append(out, s)
		}
	}
	return out
}

// percentile computes p (0..1) over an already-sorted slice using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
