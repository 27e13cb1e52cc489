package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishTimer_DeliversToSubscriber(t *testing.T) {
	b := New(Config{QueueSize: 4})
	sub := b.Subscribe("persistence")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.PublishTimer(ctx, TimerEvent{DeviceID: "timer-1"})

	select {
	case e := <-sub.Timer:
		if e.DeviceID != "timer-1" {
			t.Errorf("DeviceID = %q, want timer-1", e.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer event")
	}
}

func TestBus_PublishImpact_BlocksOnFullQueueInsteadOfDropping(t *testing.T) {
	b := New(Config{QueueSize: 1})
	sub := b.Subscribe("persistence")

	ctx := context.Background()
	b.PublishImpact(ctx, ImpactEvent{SensorID: "s1"}) // fills the queue of size 1

	done := make(chan struct{})
	go func() {
		b.PublishImpact(ctx, ImpactEvent{SensorID: "s2"}) // should block
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("PublishImpact returned without the subscriber draining a full queue")
	case <-time.After(50 * time.Millisecond):
		// Expected: still blocked.
	}

	<-sub.Impact // drain one slot
	select {
	case <-done:
		// Now it unblocks.
	case <-time.After(time.Second):
		t.Fatal("PublishImpact never unblocked after the queue was drained")
	}
}

func TestBus_PublishRawSample_OverwritesOnFullRing(t *testing.T) {
	b := New(Config{QueueSize: 2})
	sub := b.Subscribe("persistence")

	b.PublishRawSample(RawSample{SensorID: "s1", MonoNS: 1})
	b.PublishRawSample(RawSample{SensorID: "s1", MonoNS: 2})
	b.PublishRawSample(RawSample{SensorID: "s1", MonoNS: 3}) // overflows ring of size 2

	first, ok := sub.NextRawSample()
	if !ok {
		t.Fatalf("expected a buffered raw sample")
	}
	if first.MonoNS == 1 {
		t.Errorf("oldest sample (MonoNS=1) was not overwritten as expected")
	}
}

func TestBus_PublishStatus_DropsSilentlyOnFullQueue(t *testing.T) {
	b := New(Config{QueueSize: 1})
	b.Subscribe("persistence")

	b.PublishStatus(StatusEvent{Source: "a"})
	b.PublishStatus(StatusEvent{Source: "b"}) // should drop silently, not block or panic
}

func TestBus_Unsubscribe_ClosesChannels(t *testing.T) {
	b := New(Config{QueueSize: 1})
	sub := b.Subscribe("persistence")
	b.Unsubscribe("persistence")

	_, open := <-sub.Timer
	if open {
		t.Errorf("Timer channel still open after Unsubscribe")
	}
}
