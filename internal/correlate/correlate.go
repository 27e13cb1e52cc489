// Package correlate implements the deterministic shot↔impact matcher from
// spec.md §4.6. It consumes timer SHOT events and detector Impact events
// in monotonic-timestamp order and produces at most one Correlation per
// impact and per shot.
package correlate

import (
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Quality is a display-only label derived from the standardized residual.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnmatched Quality = "unmatched"
)

// Shot is a pending timer SHOT event awaiting correlation.
type Shot struct {
	ShotID    string
	MonoNS    int64
	SensorHit string // populated once matched; empty while pending
}

// Impact is the subset of detector.Impact the correlator needs.
type Impact struct {
	ImpactID    string
	SensorID    string
	OnsetMonoNS int64
}

// Correlation is a finalized shot↔impact pairing.
type Correlation struct {
	ShotID    string
	ImpactID  string
	LatencyMS float64
	Residual  float64
	Quality   Quality
}

// Outcome is returned by Correlator.MatchImpact/MatchImpacts/ExpireOrphans
// for every impact or shot they resolve.
type Outcome struct {
	Correlation *Correlation // nil for impact_only/timer_only outcomes
	ImpactOnly  *Impact
	TimerOnly   *Shot
}

// TimingSnapshot mirrors timing.Snapshot without importing it directly,
// keeping this package's dependency surface to the orderedmap it actually
// needs.
type TimingSnapshot struct {
	MeanMS  float64
	SigmaMS float64
}

// defaultWindowSigma is how many sigma wide the acceptance window is when
// New is given windowSigma <= 0. spec.md §4.6 uses 3.
const defaultWindowSigma = 3.0

// Correlator holds shots awaiting a match, keyed by shot id, in arrival
// order — the ordered map gives deterministic oldest-first iteration for
// window scans, per spec.md §4.6's determinism requirement.
type Correlator struct {
	windowSigma float64

	pending *orderedmap.OrderedMap[string, *Shot]
}

// New creates a Correlator. windowSigma <= 0 uses the spec default of 3.
func New(windowSigma float64) *Correlator {
	if windowSigma <= 0 {
		windowSigma = defaultWindowSigma
	}
	return &Correlator{
		windowSigma: windowSigma,
		pending:     orderedmap.New[string, *Shot](),
	}
}

// AddShot registers a new SHOT event as pending correlation.
func (c *Correlator) AddShot(shot Shot) {
	c.pending.Set(shot.ShotID, &shot)
}

// MatchImpact applies the correlation rule from spec.md §4.6 step 1-4 for
// one impact against the currently pending shots, using the given timing
// snapshot to compute the acceptance window. It returns the Outcome: a
// Correlation if a shot matched, or ImpactOnly if no pending shot falls in
// the window.
func (c *Correlator) MatchImpact(impact Impact, snap TimingSnapshot) Outcome {
	lowLatency := snap.MeanMS - c.windowSigma*snap.SigmaMS
	if lowLatency < 0 {
		lowLatency = 0
	}
	highLatency := snap.MeanMS + c.windowSigma*snap.SigmaMS

	var bestShotID string
	var bestShot *Shot
	bestResidual := math.Inf(1)

	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		shot := pair.Value
		latencyMS := float64(impact.OnsetMonoNS-shot.MonoNS) / 1e6
		if latencyMS < lowLatency || latencyMS > highLatency {
			continue
		}

		residual := residualOf(latencyMS, snap)
		if math.Abs(residual) < math.Abs(bestResidual) {
			bestResidual = residual
			bestShotID = pair.Key
			bestShot = shot
		}
	}

	if bestShot == nil {
		return Outcome{ImpactOnly: &impact}
	}

	latencyMS := float64(impact.OnsetMonoNS-bestShot.MonoNS) / 1e6
	c.pending.Delete(bestShotID)

	corr := &Correlation{
		ShotID:    bestShotID,
		ImpactID:  impact.ImpactID,
		LatencyMS: latencyMS,
		Residual:  bestResidual,
		Quality:   qualityOf(bestResidual),
	}
	return Outcome{Correlation: corr}
}

// MatchImpacts resolves a batch of impacts that arrived close enough
// together to contend for the same shot. Each pending shot in window is
// awarded to whichever contending impact has the smallest standardized
// residual; every other impact in the batch that also matched that shot
// becomes impact_only, per spec.md §4.6 step 4. Callers that only ever see
// one impact at a time can call MatchImpact directly; this entry point
// exists for bursts.
func (c *Correlator) MatchImpacts(impacts []Impact, snap TimingSnapshot) []Outcome {
	if len(impacts) == 1 {
		return []Outcome{c.MatchImpact(impacts[0], snap)}
	}

	lowLatency := snap.MeanMS - c.windowSigma*snap.SigmaMS
	if lowLatency < 0 {
		lowLatency = 0
	}
	highLatency := snap.MeanMS + c.windowSigma*snap.SigmaMS

	type candidate struct {
		impactIdx int
		residual  float64
		latencyMS float64
	}
	bestPerShot := make(map[string]candidate)

	for i, impact := range impacts {
		for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
			shot := pair.Value
			latencyMS := float64(impact.OnsetMonoNS-shot.MonoNS) / 1e6
			if latencyMS < lowLatency || latencyMS > highLatency {
				continue
			}
			residual := residualOf(latencyMS, snap)
			cur, exists := bestPerShot[pair.Key]
			if !exists || math.Abs(residual) < math.Abs(cur.residual) {
				bestPerShot[pair.Key] = candidate{impactIdx: i, residual: residual, latencyMS: latencyMS}
			}
		}
	}

	// Walk shots oldest-first so an impact that is the best candidate for
	// several shots is always paired with the oldest of them.
	winnerByImpact := make(map[int]string)
	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		cand, ok := bestPerShot[pair.Key]
		if !ok {
			continue
		}
		if _, taken := winnerByImpact[cand.impactIdx]; !taken {
			winnerByImpact[cand.impactIdx] = pair.Key
		}
	}

	outcomes := make([]Outcome, len(impacts))
	for i, impact := range impacts {
		shotID, won := winnerByImpact[i]
		if !won {
			imp := impact
			outcomes[i] = Outcome{ImpactOnly: &imp}
			continue
		}

		cand := bestPerShot[shotID]
		c.pending.Delete(shotID)
		outcomes[i] = Outcome{Correlation: &Correlation{
			ShotID:    shotID,
			ImpactID:  impact.ImpactID,
			LatencyMS: cand.latencyMS,
			Residual:  cand.residual,
			Quality:   qualityOf(cand.residual),
		}}
	}

	return outcomes
}

// ExpireOrphans scans pending shots and flags any whose acceptance window
// has fully closed (nowMonoNS > t_shot + mean + windowSigma*sigma) as
// timer_only, per spec.md §4.6's orphan-shot rule. Callers drive this from
// either new-event arrival past the window or a watchdog timer.
func (c *Correlator) ExpireOrphans(nowMonoNS int64, snap TimingSnapshot) []Outcome {
	var outcomes []Outcome
	var expired []string

	deadline := snap.MeanMS + c.windowSigma*snap.SigmaMS

	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		shot := pair.Value
		ageMS := float64(nowMonoNS-shot.MonoNS) / 1e6
		if ageMS > deadline {
			expired = append(expired, pair.Key)
			outcomes = append(outcomes, Outcome{TimerOnly: shot})
		}
	}

	for _, id := range expired {
		c.pending.Delete(id)
	}
	return outcomes
}

// Pending returns the number of shots awaiting correlation.
func (c *Correlator) Pending() int {
	return c.pending.Len()
}

func residualOf(latencyMS float64, snap TimingSnapshot) float64 {
	if snap.SigmaMS == 0 {
		return 0
	}
	return (latencyMS - snap.MeanMS) / snap.SigmaMS
}

func qualityOf(residual float64) Quality {
	abs := math.Abs(residual)
	switch {
	case abs <= 1:
		return QualityExcellent
	case abs <= 2:
		return QualityGood
	case abs <= 3:
		return QualityFair
	default:
		return QualityPoor
	}
}
