// Package tunnel owns the live WebSocket sessions held by this pod: the
// admission protocol for connecting agents, the per-session heartbeat and
// receive loop, and the request/response correlation table the HTTP
// forwarder awaits on.
package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Socket is the slice of a WebSocket connection the tunnel layer needs.
// The concrete implementation wraps coder/websocket; tests substitute fakes.
type Socket interface {
	// WriteText sends one text frame.
	WriteText(ctx context.Context, data []byte) error
	// Close sends a close frame with the given application code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// Tunnel is one live agent session. The socket is exclusively owned by this
// pod; lastPong is written by the receive loop and read by the heartbeat.
type Tunnel struct {
	ID     string
	Socket Socket

	mu              sync.Mutex
	lastPong        time.Time
	cancelHeartbeat context.CancelFunc
}

// NotePong records that the agent answered a heartbeat just now.
func (t *Tunnel) NotePong() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPong = time.Now()
}

// SincePong reports how long ago the agent last answered a heartbeat.
func (t *Tunnel) SincePong() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastPong)
}

func (t *Tunnel) setHeartbeatCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelHeartbeat = cancel
}

// stopHeartbeat cancels the heartbeat task. Safe to call more than once and
// before a heartbeat was ever started.
func (t *Tunnel) stopHeartbeat() {
	t.mu.Lock()
	cancel := t.cancelHeartbeat
	t.cancelHeartbeat = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// wsSocket adapts a coder/websocket connection to the Socket interface.
// Writes are serialized: the heartbeat, the receive loop's pong replies, and
// any number of forwarder goroutines share one connection.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) WriteText(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
