// Package detector implements the streaming dual-threshold onset/impact
// detector described in spec.md §4.4: one state machine per sensor,
// driven sample-by-sample off the calibrated magnitude stream.
package detector

import (
	"time"
)

// State is a detector's position in the per-sensor state machine.
type State int

const (
	StateIdle State = iota
	StateTriggered
	StateEmitting
	StateDeadTime
)

func (s State) String() string {
	switch s {
	case StateTriggered:
		return "triggered"
	case StateEmitting:
		return "emitting"
	case StateDeadTime:
		return "dead_time"
	default:
		return "idle"
	}
}

// Config tunes the detector. Zero values are replaced with spec.md §4.4's
// documented defaults by New.
type Config struct {
	PeakThreshold    float64
	OnsetThreshold   float64
	LookbackSamples  int
	RestSamples      int
	DeadTimeMS       int
	SigmaFloorFactor float64
}

// DefaultConfig returns spec.md §4.4's documented defaults.
func DefaultConfig() Config {
	return Config{
		PeakThreshold:    10,
		OnsetThreshold:   3,
		LookbackSamples:  10,
		RestSamples:      3,
		DeadTimeMS:       50,
		SigmaFloorFactor: 3,
	}
}

// Sample is one calibrated magnitude reading fed to the detector.
type Sample struct {
	Magnitude float64
	MonoNS    int64
	Wall      time.Time
}

// Impact is an emitted impact record, per spec.md §3's event schema.
type Impact struct {
	SensorID      string
	OnsetMonoNS   int64
	OnsetWall     time.Time
	PeakMonoNS    int64
	PeakWall      time.Time
	PeakMagnitude float64
	DurationMS    float64
	Confidence    float64
	// ShallowRing marks an impact whose onset could not be located within
	// LookbackSamples and fell back to the oldest buffered sample.
	ShallowRing bool
}

// Detector runs the per-sensor dual-threshold state machine. Not safe for
// concurrent use; intended to be driven by the single goroutine that owns
// a sensor's sample stream, matching the rest of the pipeline's
// one-goroutine-per-resource discipline.
type Detector struct {
	sensorID string
	config   Config
	sigma    float64

	state State

	ring      []Sample
	ringNext  int
	ringCount int

	restCount    int
	triggerIdx   int // ring index of the sample that moved the detector IDLE->TRIGGERED
	triggerCount int
	peak         Sample
	deadUntil    time.Time

	droppedFrames uint64
	lastSampleAt  time.Time
}

// New creates a Detector for one sensor with the calibrated noise sigma
// from calibrate.Baseline.NoiseSigma.
func New(sensorID string, config Config, noiseSigma float64) *Detector {
	if config.PeakThreshold <= 0 {
		config.PeakThreshold = 10
	}
	if config.OnsetThreshold <= 0 {
		config.OnsetThreshold = 3
	}
	if config.LookbackSamples <= 0 {
		config.LookbackSamples = 10
	}
	if config.RestSamples <= 0 {
		config.RestSamples = 3
	}
	if config.DeadTimeMS <= 0 {
		config.DeadTimeMS = 50
	}
	if config.SigmaFloorFactor <= 0 {
		config.SigmaFloorFactor = 3
	}

	return &Detector{
		sensorID: sensorID,
		config:   config,
		sigma:    noiseSigma,
		ring:     make([]Sample, config.LookbackSamples),
	}
}

// State returns the detector's current state machine position.
func (d *Detector) State() State { return d.state }

// DroppedFrames returns the count of malformed samples skipped.
func (d *Detector) DroppedFrames() uint64 { return d.droppedFrames }

// Stalled reports whether more than 100ms have elapsed since the last
// sample was fed, per spec.md §4.4's SensorStalled condition.
func (d *Detector) Stalled(now time.Time) bool {
	if d.lastSampleAt.IsZero() {
		return false
	}
	return now.Sub(d.lastSampleAt) > 100*time.Millisecond
}

// sigmaFloor returns the minimum magnitude a sample must exceed to ever
// count as a peak, regardless of config.PeakThreshold.
func (d *Detector) sigmaFloor() float64 {
	return d.config.SigmaFloorFactor * d.sigma
}

// Feed processes one sample and returns an emitted Impact, if this sample
// completed one.
func (d *Detector) Feed(s Sample) (Impact, bool) {
	d.lastSampleAt = s.Wall
	d.pushRing(s)

	switch d.state {
	case StateDeadTime:
		if s.Wall.After(d.deadUntil) || s.Wall.Equal(d.deadUntil) {
			d.state = StateIdle
			return d.feedIdle(s)
		}
		return Impact{}, false

	case StateIdle:
		return d.feedIdle(s)

	case StateTriggered:
		return d.feedTriggered(s)
	}

	return Impact{}, false
}

func (d *Detector) feedIdle(s Sample) (Impact, bool) {
	if s.Magnitude >= d.config.PeakThreshold && s.Magnitude >= d.sigmaFloor() {
		d.state = StateTriggered
		d.peak = s
		d.triggerCount = 0
		// pushRing already stored s; this is its ring slot.
		d.triggerIdx = (d.ringNext - 1 + len(d.ring)) % len(d.ring)
	}
	return Impact{}, false
}

func (d *Detector) feedTriggered(s Sample) (Impact, bool) {
	if s.Magnitude > d.peak.Magnitude {
		d.peak = s
	}

	if s.Magnitude < d.config.PeakThreshold {
		d.triggerCount++
	} else {
		d.triggerCount = 0
	}

	if d.triggerCount < d.config.RestSamples {
		return Impact{}, false
	}

	impact := d.emit()
	d.state = StateDeadTime
	d.deadUntil = s.Wall.Add(time.Duration(d.config.DeadTimeMS) * time.Millisecond)
	return impact, true
}

// emit locates the onset by walking the ring buffer backward from the
// trigger sample (see findOnset) and builds the Impact record.
func (d *Detector) emit() Impact {
	onset, shallow := d.findOnset()

	durationMS := float64(d.peak.MonoNS-onset.MonoNS) / 1e6
	if durationMS < 0 {
		durationMS = 0
	}

	confidence := d.confidence(shallow)

	return Impact{
		SensorID:      d.sensorID,
		OnsetMonoNS:   onset.MonoNS,
		OnsetWall:     onset.Wall,
		PeakMonoNS:    d.peak.MonoNS,
		PeakWall:      d.peak.Wall,
		PeakMagnitude: d.peak.Magnitude,
		DurationMS:    durationMS,
		Confidence:    confidence,
		ShallowRing:   shallow,
	}
}

// findOnset walks the ring buffer backward from the trigger sample (the
// one that moved the detector IDLE->TRIGGERED), looking for the nearest
// preceding sample below onset_threshold. Returns the oldest buffered
// sample (and shallow=true) if the ring is exhausted before one is found.
func (d *Detector) findOnset() (Sample, bool) {
	n := d.ringCount
	if n == 0 {
		return d.peak, true
	}

	ringLen := len(d.ring)
	oldestIdx := (d.ringNext - n + ringLen) % ringLen

	idx := d.triggerIdx
	for {
		sample := d.ring[idx]
		if sample.Magnitude < d.config.OnsetThreshold {
			return sample, false
		}
		if idx == oldestIdx {
			break
		}
		idx = (idx - 1 + ringLen) % ringLen
	}

	// Ring exhausted before a sub-threshold sample was found.
	return d.ring[oldestIdx], true
}

// confidence computes the monotone peak/sigma confidence score from
// spec.md §4.4, clipped to [0, 1] and capped at 0.5 for shallow-ring
// fallbacks.
func (d *Detector) confidence(shallow bool) float64 {
	// With a zero noise sigma the peak/sigma ratio is unbounded, so the
	// score takes its limit of 1.
	c := 1.0
	if d.sigma > 0 {
		ratio := d.peak.Magnitude / d.sigma
		c = ratio / (ratio + d.config.SigmaFloorFactor)
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	if shallow && c > 0.5 {
		c = 0.5
	}
	return c
}

func (d *Detector) pushRing(s Sample) {
	d.ring[d.ringNext] = s
	d.ringNext = (d.ringNext + 1) % len(d.ring)
	if d.ringCount < len(d.ring) {
		d.ringCount++
	}
}
