// Package eventbus fans out the bridge's event stream to multiple
// subscribers per spec.md §4.7: persistence, the NDJSON logger, and any
// external adapter (websocket loopback, MQTT mirror). Raw samples are
// allowed to drop under load; timer events, impacts, and correlations are
// never dropped — the bus blocks the producer instead.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// RawSample is an optional, gated event kind carrying one calibrated
// accelerometer sample, emitted only when verbose sample capture is
// enabled.
type RawSample struct {
	SensorID  string
	Magnitude float64
	MonoNS    int64
	Wall      time.Time
}

// TimerEvent wraps a decoded timer frame with its sensor/device context.
type TimerEvent struct {
	DeviceID string
	MonoNS   int64
	Wall     time.Time
	Payload  any
}

// ImpactEvent wraps a detector-emitted impact.
type ImpactEvent struct {
	SensorID string
	MonoNS   int64
	Wall     time.Time
	Payload  any
}

// CorrelationEvent wraps a finalized shot/impact correlation or orphan
// resolution.
type CorrelationEvent struct {
	MonoNS  int64
	Wall    time.Time
	Payload any
}

// StatusEvent wraps a connection or calibration status transition.
type StatusEvent struct {
	Source string
	Wall   time.Time
	Payload any
}

// TimingUpdate wraps a timing-model snapshot, emitted periodically for
// observability.
type TimingUpdate struct {
	Wall    time.Time
	Payload any
}

// Config tunes subscriber queue depths.
type Config struct {
	// QueueSize bounds every subscriber's per-kind queue (default 1024).
	QueueSize int
}

// DefaultConfig returns spec.md §4.7's documented default.
func DefaultConfig() Config {
	return Config{QueueSize: 1024}
}

// subscriber holds one registered consumer's per-kind channels.
type subscriber struct {
	id string

	rawRing mpmc.RichOverlappedRingBuffer[RawSample]

	timer       chan TimerEvent
	impact      chan ImpactEvent
	correlation chan CorrelationEvent
	status      chan StatusEvent
	timing      chan TimingUpdate
}

// Bus is the single-producer-per-source, multi-subscriber fan-out.
type Bus struct {
	config Config

	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

// New creates a Bus. A zero Config is replaced with DefaultConfig.
func New(config Config) *Bus {
	if config.QueueSize <= 0 {
		config = DefaultConfig()
	}
	return &Bus{config: config, subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a new consumer identified by id and returns the
// channels it should range over. Calling Subscribe twice with the same id
// replaces the previous subscription.
func (b *Bus) Subscribe(id string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:          id,
		rawRing:     mpmc.NewOverlappedRingBuffer[RawSample](uint32(b.config.QueueSize)),
		timer:       make(chan TimerEvent, b.config.QueueSize),
		impact:      make(chan ImpactEvent, b.config.QueueSize),
		correlation: make(chan CorrelationEvent, b.config.QueueSize),
		status:      make(chan StatusEvent, b.config.QueueSize),
		timing:      make(chan TimingUpdate, b.config.QueueSize),
	}
	b.subscribers[id] = sub

	return &Subscription{
		Timer:       sub.timer,
		Impact:      sub.impact,
		Correlation: sub.correlation,
		Status:      sub.status,
		Timing:      sub.timing,
		ring:        sub.rawRing,
	}
}

// Unsubscribe removes a consumer; its channels are closed.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	close(sub.timer)
	close(sub.impact)
	close(sub.correlation)
	close(sub.status)
	close(sub.timing)
	delete(b.subscribers, id)
}

// Subscription is the read side a consumer ranges over.
type Subscription struct {
	Timer       <-chan TimerEvent
	Impact      <-chan ImpactEvent
	Correlation <-chan CorrelationEvent
	Status      <-chan StatusEvent
	Timing      <-chan TimingUpdate

	ring mpmc.RichOverlappedRingBuffer[RawSample]
}

// NextRawSample drains one RawSample from this subscription's overwrite
// ring, if any is buffered.
func (s *Subscription) NextRawSample() (RawSample, bool) {
	if s.ring.IsEmpty() {
		return RawSample{}, false
	}
	sample, err := s.ring.Dequeue()
	if err != nil {
		return RawSample{}, false
	}
	return sample, true
}

// PublishRawSample fans a raw sample to every subscriber's overwrite ring.
// Overflowing a subscriber's ring silently drops its oldest buffered
// sample — this is the one event kind spec.md §4.7 allows to drop.
func (b *Bus) PublishRawSample(s RawSample) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		_, _ = sub.rawRing.EnqueueM(s) // overwrite-on-full is the intended behavior
	}
}

// PublishTimer fans out a timer event. Blocks on any full subscriber queue
// rather than drop, per spec.md §4.7.
func (b *Bus) PublishTimer(ctx context.Context, e TimerEvent) {
	b.mu.RLock()
	subs := b.snapshotLocked()
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.timer <- e:
		case <-ctx.Done():
			return
		}
	}
}

// PublishImpact fans out an impact event. Never dropped.
func (b *Bus) PublishImpact(ctx context.Context, e ImpactEvent) {
	b.mu.RLock()
	subs := b.snapshotLocked()
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.impact <- e:
		case <-ctx.Done():
			return
		}
	}
}

// PublishCorrelation fans out a correlation event. Never dropped.
func (b *Bus) PublishCorrelation(ctx context.Context, e CorrelationEvent) {
	b.mu.RLock()
	subs := b.snapshotLocked()
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.correlation <- e:
		case <-ctx.Done():
			return
		}
	}
}

// PublishStatus fans out a status event. Dropped (non-blocking) on a full
// queue, ranking above raw samples but below impacts/correlations/timer
// events in the spec's drop-priority order.
func (b *Bus) PublishStatus(e StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.status <- e:
		default:
		}
	}
}

// PublishTiming fans out a timing-model update. Dropped on a full queue.
func (b *Bus) PublishTiming(e TimingUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.timing <- e:
		default:
		}
	}
}

// snapshotLocked copies the current subscriber set so Publish* calls don't
// hold the bus lock while potentially blocking on a full channel. Caller
// must hold at least b.mu.RLock().
func (b *Bus) snapshotLocked() []*subscriber {
	out := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		out = append(out, sub)
	}
	return out
}
