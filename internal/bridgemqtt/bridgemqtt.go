// Package bridgemqtt is a best-effort mirror publisher that republishes
// every bus event onto an MQTT topic for a future multi-bridge aggregator,
// per spec.md §6. It never blocks the bus: a slow or absent broker only
// degrades this mirror, never the hot path.
package bridgemqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
)

// Config configures the mirror's broker connection.
type Config struct {
	BrokerURL      string
	ClientID       string
	Topic          string
	ConnectTimeout time.Duration
	QOS            byte
}

// DefaultConfig returns sensible local-broker defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "shotbridge",
		Topic:          "shotbridge/events",
		ConnectTimeout: 10 * time.Second,
		QOS:            0,
	}
}

// Mirror republishes bus events as JSON onto config.Topic.
type Mirror struct {
	config Config
	log    *bridgelog.Logger
	sub    *eventbus.Subscription

	mu     sync.RWMutex
	client mqtt.Client
}

// New creates a Mirror reading from sub. Connect must be called before Run
// will actually publish; until then, Run degrades to a no-op drain.
func New(config Config, log *bridgelog.Logger, sub *eventbus.Subscription) *Mirror {
	if config.BrokerURL == "" {
		config = DefaultConfig()
	}
	return &Mirror{config: config, log: log, sub: sub}
}

// Connect dials the broker. A failure here is logged, never fatal — the
// mirror is best-effort.
func (m *Mirror) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.BrokerURL)
	opts.SetClientID(m.config.ClientID)
	opts.SetConnectTimeout(m.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	finished := make(chan struct{})
	go func() {
		token.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		if err := token.Error(); err != nil {
			m.log.Warn("bridgemqtt: connect failed, mirror degraded", "error", err)
			return fmt.Errorf("bridgemqtt: connect: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// Run drains the subscription and publishes every event, blocking until
// ctx is cancelled. Publish failures are logged and swallowed.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-m.sub.Timer:
			if !ok {
				return
			}
			m.publish("timer", e)
		case e, ok := <-m.sub.Impact:
			if !ok {
				return
			}
			m.publish("impact", e)
		case e, ok := <-m.sub.Correlation:
			if !ok {
				return
			}
			m.publish("correlation", e)
		case e, ok := <-m.sub.Status:
			if !ok {
				return
			}
			m.publish("status", e)
		case e, ok := <-m.sub.Timing:
			if !ok {
				return
			}
			m.publish("timing", e)
		case <-ticker.C:
			if sample, ok := m.sub.NextRawSample(); ok {
				m.publish("raw_sample", sample)
			}
		}
	}
}

func (m *Mirror) publish(kind string, payload any) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return
	}

	data, err := json.Marshal(map[string]any{"kind": kind, "data": payload})
	if err != nil {
		return
	}

	token := client.Publish(m.config.Topic+"/"+kind, m.config.QOS, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Debug("bridgemqtt: publish failed", "error", err, "kind", kind)
		}
	}()
}

// Close disconnects from the broker, if connected.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
