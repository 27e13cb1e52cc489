// Package coordinator wires the ingestion, calibration, detection, timing,
// correlation, event bus, and persistence pieces into one running bridge
// process, per spec.md §4.9. It owns the start/stop lifecycle and the
// "no detector armed before calibration" gating invariant (P6).
package coordinator

import (
	"context"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/fieldbridge/shotbridge/internal/bridgeconfig"
	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/bridgemetrics"
	"github.com/fieldbridge/shotbridge/internal/calibrate"
	"github.com/fieldbridge/shotbridge/internal/correlate"
	"github.com/fieldbridge/shotbridge/internal/detector"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
	"github.com/fieldbridge/shotbridge/internal/frame"
	"github.com/fieldbridge/shotbridge/internal/ndjsonlog"
	"github.com/fieldbridge/shotbridge/internal/store/capturestore"
	"github.com/fieldbridge/shotbridge/internal/store/configstore"
	"github.com/fieldbridge/shotbridge/internal/timing"
	"github.com/fieldbridge/shotbridge/internal/transport/ble"
)

// sensorPipeline is one sensor's full per-device state: the BLE client,
// its calibrator, and its armed detector (nil until calibration
// completes).
type sensorPipeline struct {
	assignment bridgeconfig.SensorAssignment
	client     *ble.Client
	calibrator *calibrate.Calibrator
	det        *detector.Detector // nil until calibration completes (P6)
	log        *bridgelog.Logger  // scoped with sensor_id
}

// Coordinator is the top-level bridge process.
type Coordinator struct {
	mu sync.RWMutex

	config bridgeconfig.Config
	log    *bridgelog.Logger

	bus         *eventbus.Bus
	capture     *capturestore.Store
	configStore *configstore.Store
	ndjson      *ndjsonlog.Logger
	timingModel *timing.Model
	correlator  *correlate.Correlator
	timerClient *ble.Client
	sensors     map[string]*sensorPipeline

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Dependencies bundles the externally-constructed pieces the coordinator
// wires together, so tests can substitute fakes for the stores/bus.
type Dependencies struct {
	Bus         *eventbus.Bus
	Capture     *capturestore.Store
	ConfigStore *configstore.Store
	NDJSON      *ndjsonlog.Logger
	Adapter     *bluetooth.Adapter
}

// New builds a Coordinator from the given config and dependencies. BLE
// clients are constructed but not connected until Start.
func New(config bridgeconfig.Config, log *bridgelog.Logger, deps Dependencies) (*Coordinator, error) {
	if deps.Adapter == nil {
		deps.Adapter = bluetooth.DefaultAdapter
	}

	timerClient := ble.NewClient(deps.Adapter, ble.Config{
		DeviceID:           config.Timer.MAC,
		ServiceUUID:        config.Timer.ServiceUUID,
		CharacteristicUUID: config.Timer.CharacteristicUUID,
		InitialBackoff:     config.Reconnect.InitialBackoff,
		MaxBackoff:         config.Reconnect.MaxBackoff,
		ConnectDeadline:    config.Reconnect.ConnectDeadline,
	})

	sensors := make(map[string]*sensorPipeline, len(config.Sensors))
	for _, sa := range config.Sensors {
		client := ble.NewClient(deps.Adapter, ble.Config{
			DeviceID:           sa.MAC,
			ServiceUUID:        sa.ServiceUUID,
			CharacteristicUUID: sa.CharacteristicUUID,
			InitialBackoff:     config.Reconnect.InitialBackoff,
			MaxBackoff:         config.Reconnect.MaxBackoff,
			ConnectDeadline:    config.Reconnect.ConnectDeadline,
		})
		sensors[sa.MAC] = &sensorPipeline{
			assignment: sa,
			client:     client,
			calibrator: calibrate.New(sa.MAC, calibrate.Config{
				TargetSamples: config.Calibration.TargetSamples,
				Timeout:       config.Calibration.Timeout,
				IQRMultiplier: config.Calibration.IQRMultiplier,
			}),
			log: log.WithSensor(sa.MAC),
		}
	}

	timingModel := timing.New(timing.Config{
		PriorMeanMS:  config.Correlation.PriorMeanMS,
		PriorSigmaMS: config.Correlation.PriorSigmaMS,
		MinSamples:   config.Correlation.MinSamples,
	})

	return &Coordinator{
		config:      config,
		log:         log,
		bus:         deps.Bus,
		capture:     deps.Capture,
		configStore: deps.ConfigStore,
		ndjson:      deps.NDJSON,
		timingModel: timingModel,
		correlator:  correlate.New(config.Correlation.WindowSigma),
		timerClient: timerClient,
		sensors:     sensors,
	}, nil
}

// Start connects the timer and every sensor, restores the timing model
// checkpoint, and launches the per-device ingestion goroutines, the
// correlator watchdog, and the reconnect loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.configStore != nil {
		if cp, ok, err := c.configStore.LoadTimingCheckpoint(c.ctx, c.config.BridgeID); err == nil && ok {
			c.timingModel = timing.Restore(timing.Config{
				PriorMeanMS:  c.config.Correlation.PriorMeanMS,
				PriorSigmaMS: c.config.Correlation.PriorSigmaMS,
				MinSamples:   c.config.Correlation.MinSamples,
			}, cp.N, cp.EmpMeanMS, cp.M2)
		}
	}

	timerLog := c.log.WithDevice(c.config.Timer.MAC)
	if err := c.timerClient.Connect(c.ctx); err != nil {
		timerLog.Warn("coordinator: initial timer connect failed, reconnect loop will retry", "error", err)
	}
	c.runGoroutine(func() { c.timerClient.RunReconnectLoop(c.ctx) })
	c.runGoroutine(func() { c.consumeTimer(c.ctx) })

	for _, sp := range c.sensors {
		sp := sp
		if err := sp.client.Connect(c.ctx); err != nil {
			sp.log.Warn("coordinator: initial sensor connect failed, reconnect loop will retry", "error", err)
		}
		c.runGoroutine(func() { sp.client.RunReconnectLoop(c.ctx) })
		c.runGoroutine(func() { c.consumeSensor(c.ctx, sp) })
		c.runGoroutine(func() { c.runCalibrationTimeoutWatch(c.ctx, sp) })
	}

	c.runGoroutine(func() { c.runOrphanWatchdog(c.ctx) })
	c.runGoroutine(func() { c.runCheckpointLoop(c.ctx) })

	if c.capture != nil {
		c.runGoroutine(func() { c.runPersistenceSubscriber(c.ctx) })
	}
	if c.ndjson != nil {
		c.runGoroutine(func() { c.runNDJSONSubscriber(c.ctx) })
	}

	c.started = true
	bridgemetrics.SetDeviceConnected(c.config.Timer.MAC, c.timerClient.State() == ble.StateConnected)
	return nil
}

// runGoroutine launches fn with panic recovery, matching the teacher's
// per-task recovery discipline, and tracks it for Stop's drain.
func (c *Coordinator) runGoroutine(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("coordinator: recovered panic in task", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// Stop finalizes shots still awaiting an impact as timer_only, cancels
// every running task, waits up to 2s for a clean drain, then disconnects
// devices and flushes persistence.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	snap := c.timingModel.Snapshot()
	for _, o := range c.correlator.ExpireOrphans(math.MaxInt64, correlate.TimingSnapshot{MeanMS: snap.MeanMS, SigmaMS: snap.SigmaMS}) {
		bridgemetrics.IncCorrelationMissed("timer_only")
		c.bus.PublishStatus(eventbus.StatusEvent{Source: "correlator", Wall: time.Now(), Payload: o.TimerOnly})
	}

	c.cancel()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		c.log.Warn("coordinator: shutdown drain deadline exceeded, proceeding anyway")
	}

	c.timerClient.Disconnect()
	for _, sp := range c.sensors {
		sp.client.Disconnect()
	}

	if c.capture != nil {
		c.capture.Close()
	}
	if c.configStore != nil {
		c.configStore.Close()
	}
	if c.ndjson != nil {
		c.ndjson.Close()
	}

	c.started = false
	return nil
}

// consumeTimer decodes timer frames and publishes TimerEvents, registering
// SHOT events with the correlator.
func (c *Coordinator) consumeTimer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-c.timerClient.Notifications():
			if !ok {
				return
			}
			c.handleTimerFrame(ctx, raw)
		}
	}
}

func (c *Coordinator) handleTimerFrame(ctx context.Context, raw []byte) {
	tf := frame.DecodeTimerFrame(raw)
	if tf.Kind == frame.TimerUnknown {
		bridgemetrics.IncFrameDropped(c.config.Timer.MAC)
		return
	}
	bridgemetrics.IncFrameParsed(c.config.Timer.MAC, tf.Kind.String())

	now := time.Now()
	monoNS := now.UnixNano()
	eventID := uuid.NewString()

	var shotNum *int
	if tf.Kind == frame.TimerShot {
		n := tf.ShotNumber
		shotNum = &n
	}
	row := capturestore.TimerEvent{
		ID: eventID, TSMonoNS: monoNS, TSWall: now, DeviceID: c.config.Timer.MAC,
		Kind: tf.Kind.String(), ShotNumber: shotNum,
	}
	c.bus.PublishTimer(ctx, eventbus.TimerEvent{DeviceID: c.config.Timer.MAC, MonoNS: monoNS, Wall: now, Payload: row})

	if tf.Kind == frame.TimerShot {
		c.mu.Lock()
		c.correlator.AddShot(correlate.Shot{ShotID: eventID, MonoNS: monoNS})
		c.mu.Unlock()
	}
}

// consumeSensor feeds raw notification bytes through decode, calibration
// (until complete), and detection (once armed), publishing impacts and
// driving correlation.
func (c *Coordinator) consumeSensor(ctx context.Context, sp *sensorPipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sp.client.Notifications():
			if !ok {
				return
			}
			c.handleSensorFrame(ctx, sp, raw)
		}
	}
}

func (c *Coordinator) handleSensorFrame(ctx context.Context, sp *sensorPipeline, raw []byte) {
	s := frame.DecodeSensorFrame(raw)
	if !s.Valid {
		bridgemetrics.IncFrameDropped(sp.assignment.MAC)
		return
	}
	bridgemetrics.IncFrameParsed(sp.assignment.MAC, "sensor")

	now := time.Now()
	monoNS := now.UnixNano()

	if c.config.VerboseSampleCapture {
		c.bus.PublishRawSample(eventbus.RawSample{SensorID: sp.assignment.MAC, Magnitude: s.Magnitude, MonoNS: monoNS, Wall: now})
	}

	c.mu.Lock()
	armed := sp.det != nil
	c.mu.Unlock()

	if !armed {
		if baseline, done := sp.calibrator.Feed(s.VX, s.VY, s.VZ, s.Magnitude); done {
			c.armSensor(sp, baseline)
		}
		return
	}

	impact, emitted := sp.det.Feed(detector.Sample{Magnitude: s.Magnitude, MonoNS: monoNS, Wall: now})
	if !emitted {
		return
	}

	c.handleImpact(ctx, sp, impact)
}

func (c *Coordinator) armSensor(sp *sensorPipeline, baseline calibrate.Baseline) {
	c.mu.Lock()
	sp.det = detector.New(sp.assignment.MAC, detector.Config{
		PeakThreshold:    c.config.Detector.PeakThreshold,
		OnsetThreshold:   c.config.Detector.OnsetThreshold,
		LookbackSamples:  c.config.Detector.LookbackSamples,
		RestSamples:      c.config.Detector.RestSamples,
		DeadTimeMS:       c.config.Detector.DeadTimeMS,
		SigmaFloorFactor: c.config.Detector.SigmaFloorFactor,
	}, baseline.NoiseSigma)
	c.mu.Unlock()

	bridgemetrics.SetSensorCalibrated(sp.assignment.MAC, true)
	c.bus.PublishStatus(eventbus.StatusEvent{Source: sp.assignment.MAC, Wall: time.Now(), Payload: baseline})
}

func (c *Coordinator) runCalibrationTimeoutWatch(ctx context.Context, sp *sensorPipeline) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			armed := sp.det != nil
			c.mu.RUnlock()
			if armed {
				return
			}
			if baseline, timedOut := sp.calibrator.CheckTimeout(time.Now()); timedOut {
				sp.log.Warn("coordinator: calibration timed out, using best-effort baseline")
				c.armSensor(sp, baseline)
				return
			}
		}
	}
}

func (c *Coordinator) handleImpact(ctx context.Context, sp *sensorPipeline, impact detector.Impact) {
	impactID := uuid.NewString()

	bridgemetrics.IncImpact(sp.assignment.MAC)

	row := capturestore.Impact{
		ID: impactID, TSOnsetMonoNS: impact.OnsetMonoNS, TSPeakMonoNS: impact.PeakMonoNS,
		SensorID: sp.assignment.MAC, TargetID: sp.assignment.TargetID,
		PeakMagnitude: impact.PeakMagnitude, DurationMS: impact.DurationMS, Confidence: impact.Confidence,
	}
	c.bus.PublishImpact(ctx, eventbus.ImpactEvent{SensorID: sp.assignment.MAC, MonoNS: impact.OnsetMonoNS, Wall: impact.OnsetWall, Payload: row})

	c.mu.Lock()
	snap := c.timingModel.Snapshot()
	outcome := c.correlator.MatchImpact(correlate.Impact{ImpactID: impactID, SensorID: sp.assignment.MAC, OnsetMonoNS: impact.OnsetMonoNS}, correlate.TimingSnapshot{MeanMS: snap.MeanMS, SigmaMS: snap.SigmaMS})
	if outcome.Correlation != nil {
		c.timingModel.Observe(outcome.Correlation.LatencyMS)
	}
	c.mu.Unlock()

	if outcome.Correlation != nil {
		bridgemetrics.IncCorrelationMatched(string(outcome.Correlation.Quality))
		corrRow := capturestore.Correlation{
			ShotID: outcome.Correlation.ShotID, ImpactID: outcome.Correlation.ImpactID,
			LatencyMS: outcome.Correlation.LatencyMS, ResidualSigma: outcome.Correlation.Residual,
			Quality: string(outcome.Correlation.Quality),
		}
		c.bus.PublishCorrelation(ctx, eventbus.CorrelationEvent{MonoNS: impact.OnsetMonoNS, Wall: impact.OnsetWall, Payload: corrRow})
	} else {
		bridgemetrics.IncCorrelationMissed("impact_only")
	}
}

// runPersistenceSubscriber is the one-task-per-subscriber persistence
// loop: it reads every timer/impact/correlation event off its own bus
// subscription and writes it to the capture store, retrying with backoff
// up to a 5s budget before spilling the event to the NDJSON log and
// counting it persistence_degraded, per spec.md §7.
func (c *Coordinator) runPersistenceSubscriber(ctx context.Context) {
	sub := c.bus.Subscribe("persistence")
	defer c.bus.Unsubscribe("persistence")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Timer:
			if !ok {
				return
			}
			row, isRow := e.Payload.(capturestore.TimerEvent)
			if !isRow {
				continue
			}
			c.persistWithRetry(ctx, "timer_events", "timer_event", row, func() error {
				return c.capture.InsertTimerEvent(ctx, row)
			})
		case e, ok := <-sub.Impact:
			if !ok {
				return
			}
			row, isRow := e.Payload.(capturestore.Impact)
			if !isRow {
				continue
			}
			c.persistWithRetry(ctx, "impacts", "impact", row, func() error {
				return c.capture.InsertImpact(ctx, row)
			})
		case e, ok := <-sub.Correlation:
			if !ok {
				return
			}
			row, isRow := e.Payload.(capturestore.Correlation)
			if !isRow {
				continue
			}
			c.persistWithRetry(ctx, "correlations", "correlation", row, func() error {
				return c.capture.UpsertCorrelation(ctx, row)
			})
		}
	}
}

// persistWithRetry retries write with exponential backoff up to a 5s
// budget; on exhaustion it spills data to the NDJSON log and records
// persistence_degraded for table.
func (c *Coordinator) persistWithRetry(ctx context.Context, table, msg string, data any, write func() error) {
	backoff := ble.NewBackoff(100*time.Millisecond, 1*time.Second)
	deadline := time.Now().Add(5 * time.Second)

	for {
		err := write()
		if err == nil {
			return
		}

		if time.Now().After(deadline) {
			bridgemetrics.IncPersistenceDegraded(table)
			c.log.Error("coordinator: persistence retry budget exhausted, spilling to ndjson", "table", table, "error", err)
			if c.ndjson != nil {
				c.ndjson.Write(ndjsonlog.RecordEvent, msg+"_degraded", data)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
	}
}

// runNDJSONSubscriber is the forensic-replay task: it mirrors every event
// kind to the rotating NDJSON log regardless of persistence outcome, per
// spec.md §6/§9.
func (c *Coordinator) runNDJSONSubscriber(ctx context.Context) {
	sub := c.bus.Subscribe("ndjsonlog")
	defer c.bus.Unsubscribe("ndjsonlog")

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Timer:
			if !ok {
				return
			}
			c.ndjson.Write(ndjsonlog.RecordEvent, "timer", e.Payload)
		case e, ok := <-sub.Impact:
			if !ok {
				return
			}
			c.ndjson.Write(ndjsonlog.RecordEvent, "impact", e.Payload)
		case e, ok := <-sub.Correlation:
			if !ok {
				return
			}
			c.ndjson.Write(ndjsonlog.RecordEvent, "correlation", e.Payload)
		case e, ok := <-sub.Status:
			if !ok {
				return
			}
			c.ndjson.Write(ndjsonlog.RecordStatus, e.Source, e.Payload)
		case e, ok := <-sub.Timing:
			if !ok {
				return
			}
			c.ndjson.Write(ndjsonlog.RecordDebug, "timing_update", e.Payload)
		}
	}
}

func (c *Coordinator) runOrphanWatchdog(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			snap := c.timingModel.Snapshot()
			outcomes := c.correlator.ExpireOrphans(time.Now().UnixNano(), correlate.TimingSnapshot{MeanMS: snap.MeanMS, SigmaMS: snap.SigmaMS})
			c.mu.Unlock()

			for _, o := range outcomes {
				bridgemetrics.IncCorrelationMissed("timer_only")
				c.bus.PublishStatus(eventbus.StatusEvent{Source: "correlator", Wall: time.Now(), Payload: o.TimerOnly})
			}
		}
	}
}

func (c *Coordinator) runCheckpointLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.Correlation.CheckpointEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpointTiming(ctx)
			c.mu.RLock()
			snap := c.timingModel.Snapshot()
			c.mu.RUnlock()
			c.bus.PublishTiming(eventbus.TimingUpdate{Wall: time.Now(), Payload: snap})
		}
	}
}

func (c *Coordinator) checkpointTiming(ctx context.Context) {
	if c.configStore == nil {
		return
	}
	n, mean, m2 := c.timingModel.Checkpoint()
	if err := c.configStore.SaveTimingCheckpoint(ctx, configstore.TimingCheckpoint{
		BridgeID: c.config.BridgeID, N: n, EmpMeanMS: mean, M2: m2,
	}); err != nil {
		bridgemetrics.IncPersistenceDegraded("timing_model_checkpoint")
		c.log.Error("coordinator: checkpoint failed", "error", err)
	}
}
