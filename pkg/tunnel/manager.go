package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/tunnelowl/internal/telemetry"
)

// Ownership is the slice of the shared registry the manager needs. The
// registry's create-if-absent semantics are what keep a tunnel id owned by
// at most one pod at a time.
type Ownership interface {
	RegisterTunnel(ctx context.Context, tunnelID string) (registered bool, owner string, err error)
	RemoveTunnel(ctx context.Context, tunnelID string) error
	RefreshTTL(ctx context.Context, tunnelID string) error
}

// AlreadyOwnedError reports a registration conflict: some pod (possibly this
// one) already holds the tunnel.
type AlreadyOwnedError struct {
	TunnelID string
	Owner    string
}

func (e *AlreadyOwnedError) Error() string {
	return fmt.Sprintf("tunnel %s already registered on pod %s", e.TunnelID, e.Owner)
}

// Manager is the pod-local authoritative table of live tunnels and the
// pending-request correlation map. Structural changes to both maps are
// serialized by one mutex.
type Manager struct {
	ownership Ownership
	logger    *slog.Logger

	mu      sync.Mutex
	active  map[string]*Tunnel
	pending map[string]chan ResponseFrame
}

// NewManager creates a Manager backed by the given ownership registry.
func NewManager(ownership Ownership, logger *slog.Logger) *Manager {
	return &Manager{
		ownership: ownership,
		logger:    logger,
		active:    make(map[string]*Tunnel),
		pending:   make(map[string]chan ResponseFrame),
	}
}

// Register claims the tunnel in the shared registry and, on success, inserts
// it into the local table. The registry call happens inside the critical
// section so two agents racing on the same tunnel id cannot both win.
// A conflict returns *AlreadyOwnedError; a store error propagates as-is and
// the admission path must fail closed on it.
func (m *Manager) Register(ctx context.Context, tunnelID string, socket Socket) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	registered, owner, err := m.ownership.RegisterTunnel(ctx, tunnelID)
	if err != nil {
		telemetry.TunnelRegistrationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !registered {
		telemetry.TunnelRegistrationsTotal.WithLabelValues("duplicate").Inc()
		return nil, &AlreadyOwnedError{TunnelID: tunnelID, Owner: owner}
	}

	t := &Tunnel{
		ID:       tunnelID,
		Socket:   socket,
		lastPong: time.Now(),
	}
	m.active[tunnelID] = t

	telemetry.TunnelRegistrationsTotal.WithLabelValues("registered").Inc()
	telemetry.TunnelsConnected.Set(float64(len(m.active)))
	return t, nil
}

// Remove drops the tunnel from the local table, cancels its heartbeat, and
// releases the shared registry record. Idempotent; the heartbeat's context
// is canceled before Remove returns, but Remove does not wait for the
// heartbeat goroutine to exit.
func (m *Manager) Remove(ctx context.Context, tunnelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.active[tunnelID]; ok {
		delete(m.active, tunnelID)
		t.stopHeartbeat()
	}
	telemetry.TunnelsConnected.Set(float64(len(m.active)))

	if err := m.ownership.RemoveTunnel(ctx, tunnelID); err != nil {
		m.logger.Error("releasing tunnel ownership", "tunnel_id", tunnelID, "error", err)
	}
}

// Get returns the live tunnel for an id, if this pod holds it.
func (m *Manager) Get(tunnelID string) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[tunnelID]
	return t, ok
}

// Count returns the number of live tunnels on this pod.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CreatePending inserts a one-shot completion slot for a request id and
// returns the channel the forwarder will await. The entry must exist before
// the request frame is sent, so a near-instant reply cannot race past an
// empty table.
func (m *Manager) CreatePending(requestID string) <-chan ResponseFrame {
	ch := make(chan ResponseFrame, 1)
	m.mu.Lock()
	m.pending[requestID] = ch
	m.mu.Unlock()
	return ch
}

// ResolvePending completes the slot for a request id. A no-op when the entry
// is gone — a late agent reply after timeout resolves nothing.
func (m *Manager) ResolvePending(requestID string, resp ResponseFrame) {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// DropPending reaps the slot for a request id without completing it. Called
// on timeout, send failure, and caller cancellation.
func (m *Manager) DropPending(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

// PendingCount returns the number of outstanding pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NotePong records a heartbeat answer for the tunnel and re-extends its
// ownership TTL in the shared store, keeping long-lived tunnels visible
// across the fleet. TTL refresh failures are logged, never fatal — the
// session stays up and the next pong retries.
func (m *Manager) NotePong(ctx context.Context, tunnelID string) {
	t, ok := m.Get(tunnelID)
	if !ok {
		return
	}
	t.NotePong()

	if err := m.ownership.RefreshTTL(ctx, tunnelID); err != nil {
		m.logger.Warn("refreshing tunnel ttl", "tunnel_id", tunnelID, "error", err)
	}
}
