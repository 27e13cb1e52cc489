// Package wsfanout is the bus's external fan-out adapter: it serves a
// loopback WebSocket endpoint and broadcasts every bus event to whatever
// clients are connected, per spec.md §6.
package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
)

// Config configures the broadcaster's listening address and path.
type Config struct {
	Addr string
	Path string
}

// DefaultConfig returns a loopback-only default.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8088", Path: "/events"}
}

// envelope is the wire shape sent to every connected client: a
// discriminated union over the bus's event kinds.
type envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Broadcaster serves config.Path over WebSocket and mirrors every event
// read from its bus subscription to all connected clients.
type Broadcaster struct {
	config Config
	log    *bridgelog.Logger
	sub    *eventbus.Subscription

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Broadcaster reading from sub.
func New(config Config, log *bridgelog.Logger, sub *eventbus.Subscription) *Broadcaster {
	if config.Addr == "" {
		config = DefaultConfig()
	}
	return &Broadcaster{
		config: config,
		log:    log,
		sub:    sub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Run starts the HTTP/WebSocket server and the fan-out loop, blocking
// until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(b.config.Path, b.handleUpgrade)

	b.server = &http.Server{Addr: b.config.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go b.pumpLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (b *Broadcaster) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("wsfanout: upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go b.drainClient(conn)
}

// drainClient discards any inbound client traffic so the connection's read
// deadline doesn't trip; this endpoint is broadcast-only.
func (b *Broadcaster) drainClient(conn *websocket.Conn) {
	defer b.removeConn(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) removeConn(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	conn.Close()
}

func (b *Broadcaster) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.sub.Timer:
			if !ok {
				return
			}
			b.broadcast(envelope{Kind: "timer", Data: e})
		case e, ok := <-b.sub.Impact:
			if !ok {
				return
			}
			b.broadcast(envelope{Kind: "impact", Data: e})
		case e, ok := <-b.sub.Correlation:
			if !ok {
				return
			}
			b.broadcast(envelope{Kind: "correlation", Data: e})
		case e, ok := <-b.sub.Status:
			if !ok {
				return
			}
			b.broadcast(envelope{Kind: "status", Data: e})
		case e, ok := <-b.sub.Timing:
			if !ok {
				return
			}
			b.broadcast(envelope{Kind: "timing", Data: e})
		case <-ticker.C:
			if sample, ok := b.sub.NextRawSample(); ok {
				b.broadcast(envelope{Kind: "raw_sample", Data: sample})
			}
		}
	}
}

func (b *Broadcaster) broadcast(e envelope) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(b.conns, conn)
			conn.Close()
		}
	}
}
