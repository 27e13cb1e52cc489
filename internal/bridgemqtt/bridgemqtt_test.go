package bridgemqtt

import (
	"context"
	"testing"
	"time"

	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
)

func TestMirror_RunDegradesGracefullyWithoutConnect(t *testing.T) {
	bus := eventbus.New(eventbus.Config{QueueSize: 4})
	sub := bus.Subscribe("bridgemqtt")

	m := New(DefaultConfig(), bridgelog.New(bridgelog.Config{Level: "error"}), sub)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	bus.PublishTimer(context.Background(), eventbus.TimerEvent{DeviceID: "timer-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestMirror_CloseWithoutConnectIsNoop(t *testing.T) {
	bus := eventbus.New(eventbus.Config{QueueSize: 1})
	sub := bus.Subscribe("bridgemqtt")
	m := New(DefaultConfig(), bridgelog.New(bridgelog.Config{Level: "error"}), sub)
	m.Close() // must not panic on a never-connected Mirror
}
