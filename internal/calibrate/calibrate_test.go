package calibrate

import (
	"testing"
	"time"
)

func TestCalibrator_CompletesAtTargetSamples(t *testing.T) {
	c := New("sensor-1", Config{TargetSamples: 5, Timeout: time.Minute, IQRMultiplier: 1.5})

	var got Baseline
	var done bool
	for i := 0; i < 5; i++ {
		got, done = c.Feed(0, 0, 1000, 1000)
	}

	if !done {
		t.Fatalf("Feed did not finalize at TargetSamples")
	}
	if got.Status != StatusComplete {
		t.Errorf("Status = %v, want StatusComplete", got.Status)
	}
	if got.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", got.SampleCount)
	}
	if got.OffsetVZ != 1000 {
		t.Errorf("OffsetVZ = %v, want 1000", got.OffsetVZ)
	}
	if got.NoiseSigma != 0 {
		t.Errorf("NoiseSigma = %v, want 0 for constant input", got.NoiseSigma)
	}
}

func TestCalibrator_NotDoneBeforeTarget(t *testing.T) {
	c := New("sensor-1", Config{TargetSamples: 10, Timeout: time.Minute})

	for i := 0; i < 9; i++ {
		if _, done := c.Feed(0, 0, 0, 0); done {
			t.Fatalf("Feed finalized early at sample %d", i)
		}
	}
	if c.Complete() {
		t.Fatalf("Complete() true before TargetSamples reached")
	}
}

func TestCalibrator_CheckTimeout(t *testing.T) {
	c := New("sensor-1", Config{TargetSamples: 1000, Timeout: 10 * time.Millisecond})
	c.Feed(0, 0, 0, 0)

	if _, timedOut := c.CheckTimeout(time.Now()); timedOut {
		t.Fatalf("CheckTimeout fired before the timeout elapsed")
	}

	later := time.Now().Add(time.Hour)
	baseline, timedOut := c.CheckTimeout(later)
	if !timedOut {
		t.Fatalf("CheckTimeout did not fire after timeout elapsed")
	}
	if baseline.Status != StatusTimedOut {
		t.Errorf("Status = %v, want StatusTimedOut", baseline.Status)
	}
	if baseline.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", baseline.SampleCount)
	}

	if _, again := c.CheckTimeout(later); again {
		t.Errorf("CheckTimeout fired twice for an already-terminal calibrator")
	}
}

func TestCalibrator_CheckTimeout_BeforeAnySampleIsNoop(t *testing.T) {
	c := New("sensor-1", Config{TargetSamples: 10, Timeout: time.Nanosecond})
	if _, timedOut := c.CheckTimeout(time.Now().Add(time.Hour)); timedOut {
		t.Errorf("CheckTimeout fired for a calibrator that never received a sample")
	}
}

func TestCalibrator_Reset(t *testing.T) {
	c := New("sensor-1", Config{TargetSamples: 3})
	c.Feed(0, 0, 0, 0)
	c.Feed(0, 0, 0, 0)
	c.Reset()

	if c.Status() != StatusPending {
		t.Errorf("Status after Reset = %v, want StatusPending", c.Status())
	}
	if _, done := c.Feed(0, 0, 0, 0); done {
		t.Errorf("Feed finalized after Reset with only 1 sample toward a TargetSamples of 3")
	}
}

func TestFilterByIQR_DropsOutlier(t *testing.T) {
	samples := []sample{
		{magnitude: 100}, {magnitude: 101}, {magnitude: 99},
		{magnitude: 100}, {magnitude: 102}, {magnitude: 98},
		{magnitude: 5000},
	}
	filtered := filterByIQR(samples, 1.5)

	for _, s := range filtered {
		if s.magnitude == 5000 {
			t.Errorf("filterByIQR did not drop the outlier sample")
		}
	}
	if len(filtered) != len(samples)-1 {
		t.Errorf("filterByIQR kept %d samples, want %d", len(filtered), len(samples)-1)
	}
}

func TestFilterByIQR_SmallSampleSetPassesThrough(t *testing.T) {
	samples := []sample{{magnitude: 1}, {magnitude: 1000}}
	filtered := filterByIQR(samples, 1.5)
	if len(filtered) != 2 {
		t.Errorf("filterByIQR on <4 samples changed the set: got %d, want 2", len(filtered))
	}
}
