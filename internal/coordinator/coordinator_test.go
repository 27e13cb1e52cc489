package coordinator

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldbridge/shotbridge/internal/bridgeconfig"
	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
	"github.com/fieldbridge/shotbridge/internal/ndjsonlog"
	"github.com/fieldbridge/shotbridge/internal/store/capturestore"
	"github.com/fieldbridge/shotbridge/internal/store/configstore"
)

func sensorFrame(vx, vy, vz int16) []byte {
	buf := make([]byte, 8)
	buf[0] = 0x55
	buf[1] = 0x61
	binary.LittleEndian.PutUint16(buf[2:4], uint16(vx))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(vy))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(vz))
	return buf
}

func timerShotFrame() []byte {
	buf := make([]byte, 14)
	buf[0] = 0x01
	buf[1] = 0x03
	return buf
}

func newTestCoordinator(t *testing.T) (*Coordinator, bridgeconfig.SensorAssignment) {
	t.Helper()

	sensor := bridgeconfig.SensorAssignment{MAC: "sensor-1", TargetID: "target-1"}
	cfg := bridgeconfig.Config{
		BridgeID: "bridge-1",
		Timer:    bridgeconfig.TimerAssignment{MAC: "timer-1"},
		Sensors:  []bridgeconfig.SensorAssignment{sensor},
		Detector: bridgeconfig.DetectorConfig{
			PeakThreshold: 10, OnsetThreshold: 3, LookbackSamples: 10, RestSamples: 2, DeadTimeMS: 50, SigmaFloorFactor: 3,
		},
		Calibration: bridgeconfig.CalibrationConfig{TargetSamples: 5, Timeout: 30 * time.Second, IQRMultiplier: 1.5},
		Correlation: bridgeconfig.CorrelationConfig{
			PriorMeanMS: 500, PriorSigmaMS: 100, WindowSigma: 3, MinSamples: 10, CheckpointEach: time.Hour,
		},
		Reconnect: bridgeconfig.ReconnectConfig{InitialBackoff: time.Second, MaxBackoff: time.Second, ConnectDeadline: time.Second},
	}

	capture, err := capturestore.Open(filepath.Join(t.TempDir(), "capture.db"))
	if err != nil {
		t.Fatalf("capturestore.Open: %v", err)
	}
	t.Cleanup(func() { capture.Close() })

	cstore, err := configstore.Open(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("configstore.Open: %v", err)
	}
	t.Cleanup(func() { cstore.Close() })

	ndj, err := ndjsonlog.Open(ndjsonlog.Config{Path: filepath.Join(t.TempDir(), "events.ndjson"), MaxSizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("ndjsonlog.Open: %v", err)
	}
	t.Cleanup(func() { ndj.Close() })

	log := bridgelog.New(bridgelog.Config{Level: "error"})

	c, err := New(cfg, log, Dependencies{
		Bus:         eventbus.New(eventbus.DefaultConfig()),
		Capture:     capture,
		ConfigStore: cstore,
		NDJSON:      ndj,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sensor
}

func TestCoordinator_SensorStaysUnarmedUntilCalibrationCompletes(t *testing.T) {
	c, sensor := newTestCoordinator(t)
	sp := c.sensors[sensor.MAC]
	ctx := context.Background()

	// Four idle samples: target is 5, so the sensor should remain
	// unarmed (no detector constructed).
	for i := 0; i < 4; i++ {
		c.handleSensorFrame(ctx, sp, sensorFrame(1, 1, 1))
	}
	if sp.det != nil {
		t.Fatalf("detector armed before calibration target reached")
	}

	c.handleSensorFrame(ctx, sp, sensorFrame(1, 1, 1))
	if sp.det == nil {
		t.Fatalf("detector not armed after calibration target reached")
	}
}

func TestCoordinator_ShotThenImpactProducesExcellentCorrelation(t *testing.T) {
	c, sensor := newTestCoordinator(t)
	sp := c.sensors[sensor.MAC]
	ctx := context.Background()

	sub := c.bus.Subscribe("test")
	defer c.bus.Unsubscribe("test")

	for i := 0; i < 5; i++ {
		c.handleSensorFrame(ctx, sp, sensorFrame(1, 1, 1))
	}
	if sp.det == nil {
		t.Fatalf("sensor did not arm")
	}

	c.handleTimerFrame(ctx, timerShotFrame())

	select {
	case <-sub.Timer:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for timer event on bus")
	}

	if c.correlator.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 shot pending", c.correlator.Pending())
	}

	// Sleep roughly the prior mean latency so the impact lands inside the
	// correlator's acceptance window.
	time.Sleep(500 * time.Millisecond)

	// Drive the detector over threshold, then below it for RestSamples to
	// force an emit.
	c.handleSensorFrame(ctx, sp, sensorFrame(4000, 0, 0))
	c.handleSensorFrame(ctx, sp, sensorFrame(1, 1, 1))
	c.handleSensorFrame(ctx, sp, sensorFrame(1, 1, 1))

	select {
	case e := <-sub.Impact:
		if e.SensorID != sensor.MAC {
			t.Errorf("impact event sensor = %q, want %q", e.SensorID, sensor.MAC)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for impact event on bus")
	}

	select {
	case e := <-sub.Correlation:
		row, ok := e.Payload.(capturestore.Correlation)
		if !ok {
			t.Fatalf("correlation payload type = %T, want capturestore.Correlation", e.Payload)
		}
		if row.Quality != "excellent" {
			t.Errorf("correlation row quality = %q, want excellent", row.Quality)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for correlation event on bus")
	}

	if c.correlator.Pending() != 0 {
		t.Errorf("Pending() after match = %d, want 0", c.correlator.Pending())
	}
}

func TestCoordinator_StopIsIdempotentWithoutStart(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop without Start: %v", err)
	}
}
