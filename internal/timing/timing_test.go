package timing

import (
	"math"
	"testing"
)

func TestModel_ZeroSamplesReturnsPureProrior(t *testing.T) {
	m := New(DefaultConfig())
	snap := m.Snapshot()

	if snap.MeanMS != 526 || snap.SigmaMS != 94 {
		t.Errorf("Snapshot at n=0 = %+v, want pure prior", snap)
	}
	if snap.Confidence != 0 {
		t.Errorf("Confidence at n=0 = %v, want 0", snap.Confidence)
	}
}

func TestModel_FullyTrustedAtMinSamples(t *testing.T) {
	m := New(Config{PriorMeanMS: 500, PriorSigmaMS: 100, MinSamples: 4})
	for i := 0; i < 4; i++ {
		m.Observe(600)
	}

	snap := m.Snapshot()
	if snap.Confidence != 1 {
		t.Errorf("Confidence at n=MinSamples = %v, want 1", snap.Confidence)
	}
	if math.Abs(snap.MeanMS-600) > 1e-9 {
		t.Errorf("MeanMS at full trust = %v, want 600 (pure empirical, constant input)", snap.MeanMS)
	}
}

func TestModel_BlendsBetweenPriorAndEmpirical(t *testing.T) {
	m := New(Config{PriorMeanMS: 500, PriorSigmaMS: 100, MinSamples: 10})
	m.Observe(600)

	snap := m.Snapshot()
	if snap.Confidence != 0.1 {
		t.Errorf("Confidence at n=1,MinSamples=10 = %v, want 0.1", snap.Confidence)
	}
	if snap.MeanMS <= 500 || snap.MeanMS >= 600 {
		t.Errorf("MeanMS = %v, want strictly between prior (500) and empirical (600)", snap.MeanMS)
	}
}

func TestModel_WelfordMatchesKnownVariance(t *testing.T) {
	m := New(Config{PriorMeanMS: 0, PriorSigmaMS: 0, MinSamples: 3})
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m.Observe(v)
	}

	n, mean, m2 := m.Checkpoint()
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}
	if math.Abs(mean-5) > 1e-9 {
		t.Errorf("mean = %v, want 5", mean)
	}
	// Squared deviations from the mean sum to 32; the sample variance
	// divides by n-1 = 7 (the population variance, 32/8, would be 4).
	variance := m2 / float64(n-1)
	if math.Abs(variance-32.0/7) > 1e-9 {
		t.Errorf("sample variance = %v, want 32/7", variance)
	}
}

func TestModel_RestoreContinuesFromCheckpoint(t *testing.T) {
	cfg := Config{PriorMeanMS: 500, PriorSigmaMS: 100, MinSamples: 10}
	original := New(cfg)
	for i := 0; i < 5; i++ {
		original.Observe(550)
	}
	n, mean, m2 := original.Checkpoint()

	restored := Restore(cfg, n, mean, m2)
	if restored.Snapshot().Confidence != original.Snapshot().Confidence {
		t.Errorf("restored confidence diverges from original")
	}

	restored.Observe(550)
	original.Observe(550)
	if restored.Snapshot().MeanMS != original.Snapshot().MeanMS {
		t.Errorf("restored model diverged from a model that never restarted")
	}
}
