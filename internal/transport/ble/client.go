// Package ble wraps tinygo.org/x/bluetooth with the connect/subscribe/
// reconnect lifecycle spec.md §4.2 requires for both the timer and the
// sensor devices. Service/characteristic UUIDs are configuration, never
// constants baked into this package.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// State mirrors the connection lifecycle a Client moves through.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Config configures a single device's BLE client.
type Config struct {
	// DeviceID is the device's MAC/UUID address.
	DeviceID string

	// ServiceUUID and CharacteristicUUID identify the notify
	// characteristic this client subscribes to.
	ServiceUUID        string
	CharacteristicUUID string

	// ScanTimeout bounds how long Connect waits to find the device.
	ScanTimeout time.Duration

	// ConnectDeadline bounds the whole Connect call.
	ConnectDeadline time.Duration

	// InitialBackoff, MaxBackoff parameterize the reconnect policy.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// QueueSize bounds the notification channel.
	QueueSize int
}

// StatusEvent reports a connection state transition, surfaced on the
// event bus per spec.md §4.2/§4.9.
type StatusEvent struct {
	DeviceID  string
	State     State
	Err       error
	Timestamp time.Time
}

// StatusHandler receives connection state transitions.
type StatusHandler func(StatusEvent)

// Client owns one device's connection lifecycle: scan, connect, discover,
// subscribe, and reconnect with backoff on unexpected disconnect.
type Client struct {
	mu sync.RWMutex

	config  Config
	adapter *bluetooth.Adapter

	state     State
	lastError error

	device         *bluetooth.Device
	characteristic *bluetooth.DeviceCharacteristic

	notifyChan chan []byte
	onStatus   StatusHandler

	ctx    context.Context
	cancel context.CancelFunc

	droppedFrames uint64
}

// NewClient creates a Client for one device. adapter is injected so tests
// can substitute a fake; production callers pass bluetooth.DefaultAdapter.
func NewClient(adapter *bluetooth.Adapter, config Config) *Client {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 10 * time.Second
	}
	if config.ConnectDeadline <= 0 {
		config.ConnectDeadline = 15 * time.Second
	}

	return &Client{
		config:     config,
		adapter:    adapter,
		state:      StateDisconnected,
		notifyChan: make(chan []byte, config.QueueSize),
	}
}

// SetStatusHandler registers the callback invoked on every state
// transition.
func (c *Client) SetStatusHandler(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

// Notifications returns the channel that receives raw notification
// payloads. The notify callback itself does no parsing or other work — it
// only pushes onto this channel, per spec.md §9.
func (c *Client) Notifications() <-chan []byte {
	return c.notifyChan
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// DroppedFrames returns the count of notifications dropped because the
// queue was full.
func (c *Client) DroppedFrames() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.droppedFrames
}

// Connect scans for the device, connects, discovers the configured
// service/characteristic, and enables notifications. It blocks until
// connected, the deadline elapses, or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}

	if err := c.adapter.Enable(); err != nil {
		c.setStateLocked(StateError, err)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	deadline, cancelDeadline := context.WithTimeout(ctx, c.config.ConnectDeadline)
	defer cancelDeadline()

	c.setStateLocked(StateConnecting, nil)

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == c.config.DeviceID {
			adapter.StopScan()
			select {
			case found <- result:
			default:
			}
		}
	})
	if scanErr != nil {
		c.setStateLocked(StateError, scanErr)
		return fmt.Errorf("%w: scan: %v", ErrTransportUnavailable, scanErr)
	}

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	case <-time.After(c.config.ScanTimeout):
		c.adapter.StopScan()
		c.setStateLocked(StateDisconnected, ErrDeviceNotFound)
		return ErrDeviceNotFound
	case <-deadline.Done():
		c.adapter.StopScan()
		c.setStateLocked(StateDisconnected, deadline.Err())
		return deadline.Err()
	}

	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		c.setStateLocked(StateError, err)
		return fmt.Errorf("ble: connect: %w", err)
	}
	c.device = &device

	srvUUID, err := bluetooth.ParseUUID(c.config.ServiceUUID)
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("%w: bad service uuid: %v", ErrCharacteristicMissing, err)
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{srvUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return fmt.Errorf("%w: service %s", ErrCharacteristicMissing, c.config.ServiceUUID)
	}

	charUUID, err := bluetooth.ParseUUID(c.config.CharacteristicUUID)
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("%w: bad characteristic uuid: %v", ErrCharacteristicMissing, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil || len(chars) == 0 {
		device.Disconnect()
		return fmt.Errorf("%w: characteristic %s", ErrCharacteristicMissing, c.config.CharacteristicUUID)
	}
	c.characteristic = &chars[0]

	err = c.characteristic.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)

		select {
		case c.notifyChan <- data:
		default:
			c.mu.Lock()
			c.droppedFrames++
			c.mu.Unlock()
		}
	})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("ble: enable notifications: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.setStateLocked(StateConnected, nil)

	return nil
}

// Disconnect releases the subscription and connection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.device != nil {
		c.device.Disconnect()
	}

	c.setStateLocked(StateDisconnected, nil)
	return nil
}

// RunReconnectLoop blocks, watching the client's connection context for
// unexpected cancellation and re-attempting Connect with exponential
// backoff, until runCtx is done. While the client is not connected (for
// example after a failed initial Connect) it also retries Connect on the
// same backoff schedule. Callers run this in its own goroutine.
func (c *Client) RunReconnectLoop(runCtx context.Context) {
	backoff := NewBackoff(c.config.InitialBackoff, c.config.MaxBackoff)

	for {
		c.mu.RLock()
		connCtx := c.ctx
		state := c.state
		c.mu.RUnlock()

		if state != StateConnected || connCtx == nil {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(backoff.Next()):
			}
			if err := c.Connect(runCtx); err == nil {
				backoff.Reset()
			}
			continue
		}

		select {
		case <-runCtx.Done():
			return
		case <-connCtx.Done():
			// Unexpected disconnect (not a deliberate Disconnect(), which
			// already sets StateDisconnected before cancelling).
			c.mu.Lock()
			unexpected := c.state == StateConnected
			if unexpected {
				c.setStateLocked(StateReconnecting, nil)
			}
			c.mu.Unlock()

			if !unexpected {
				continue
			}

			delay := backoff.Next()
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}

			if err := c.Connect(runCtx); err == nil {
				backoff.Reset()
			}
		}
	}
}

// setStateLocked updates state and error, and notifies the status handler.
// Caller must hold c.mu.
func (c *Client) setStateLocked(state State, err error) {
	c.state = state
	c.lastError = err

	handler := c.onStatus
	deviceID := c.config.DeviceID

	if handler != nil {
		go handler(StatusEvent{
			DeviceID:  deviceID,
			State:     state,
			Err:       err,
			Timestamp: time.Now(),
		})
	}
}
