package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeOwnership implements the shared registry's create-if-absent contract
// in memory. Sharing one instance between two managers models two pods
// racing on the same store.
type fakeOwnership struct {
	mu          sync.Mutex
	podID       string
	owners      map[string]string
	refreshed   []string
	registerErr error
}

func newFakeOwnership(podID string) *fakeOwnership {
	return &fakeOwnership{podID: podID, owners: make(map[string]string)}
}

func (f *fakeOwnership) RegisterTunnel(_ context.Context, tunnelID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return false, "", f.registerErr
	}
	if owner, ok := f.owners[tunnelID]; ok {
		return false, owner, nil
	}
	f.owners[tunnelID] = f.podID
	return true, "", nil
}

func (f *fakeOwnership) RemoveTunnel(_ context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owners, tunnelID)
	return nil
}

func (f *fakeOwnership) RefreshTTL(_ context.Context, tunnelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, tunnelID)
	return nil
}

func (f *fakeOwnership) owner(tunnelID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[tunnelID]
}

func (f *fakeOwnership) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshed)
}

// fakeSocket records writes and close calls.
type fakeSocket struct {
	mu          sync.Mutex
	writes      [][]byte
	writeErr    error
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
	onWrite     func(data []byte)
}

func (s *fakeSocket) WriteText(_ context.Context, data []byte) error {
	s.mu.Lock()
	err := s.writeErr
	if err == nil {
		s.writes = append(s.writes, data)
	}
	cb := s.onWrite
	s.mu.Unlock()

	if err == nil && cb != nil {
		cb(data)
	}
	return err
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegisterAndGet(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	tun, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if tun.ID != "tunnel_1" {
		t.Errorf("tunnel id = %q, want %q", tun.ID, "tunnel_1")
	}

	got, ok := m.Get("tunnel_1")
	if !ok || got != tun {
		t.Error("Get should return the registered tunnel")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	if _, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{}); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}

	_, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{})
	var owned *AlreadyOwnedError
	if !errors.As(err, &owned) {
		t.Fatalf("error = %v, want AlreadyOwnedError", err)
	}
	if owned.Owner != "pod-a" {
		t.Errorf("Owner = %q, want %q", owned.Owner, "pod-a")
	}
}

func TestRegisterStoreErrorFailsClosed(t *testing.T) {
	own := newFakeOwnership("pod-a")
	own.registerErr = errors.New("store down")
	m := NewManager(own, testLogger())

	if _, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{}); err == nil {
		t.Fatal("expected store error to propagate")
	}
	if _, ok := m.Get("tunnel_1"); ok {
		t.Error("tunnel must not be in the local table after a failed registration")
	}
}

// Two pods racing on one tunnel id: exactly one registration wins.
func TestConcurrentRegisterAtMostOneOwner(t *testing.T) {
	store := newFakeOwnership("pod-a")
	podA := NewManager(store, testLogger())

	for i := 0; i < 50; i++ {
		id := "tunnel_race"
		podB := NewManager(store, testLogger())

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = podA.Register(context.Background(), id, &fakeSocket{})
		}()
		go func() {
			defer wg.Done()
			_, results[1] = podB.Register(context.Background(), id, &fakeSocket{})
		}()
		wg.Wait()

		var successes, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				successes++
			default:
				var owned *AlreadyOwnedError
				if errors.As(err, &owned) {
					conflicts++
				}
			}
		}
		if successes != 1 || conflicts != 1 {
			t.Fatalf("successes = %d, conflicts = %d, want exactly one of each", successes, conflicts)
		}

		podA.Remove(context.Background(), id)
		podB.Remove(context.Background(), id)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	own := newFakeOwnership("pod-a")
	m := NewManager(own, testLogger())

	if _, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	m.Remove(context.Background(), "tunnel_1")
	m.Remove(context.Background(), "tunnel_1")

	if _, ok := m.Get("tunnel_1"); ok {
		t.Error("tunnel should be gone after Remove")
	}
	if own.owner("tunnel_1") != "" {
		t.Error("ownership record should be gone after Remove")
	}
}

// Remove cancels the heartbeat context before it returns.
func TestRemoveCancelsHeartbeat(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	tun, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	tun.setHeartbeatCancel(cancel)

	m.Remove(context.Background(), "tunnel_1")

	select {
	case <-hbCtx.Done():
	default:
		t.Error("heartbeat context should be canceled by Remove")
	}
}

// The pending slot resolves with exactly its own reply and is always reaped.
func TestPendingLifecycle(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	future := m.CreatePending("req-1")
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", m.PendingCount())
	}

	// A reply for a different request id resolves nothing.
	m.ResolvePending("req-other", ResponseFrame{RequestID: "req-other", Status: 500})
	select {
	case <-future:
		t.Fatal("future must not resolve with another request's reply")
	default:
	}

	m.ResolvePending("req-1", ResponseFrame{RequestID: "req-1", Status: 201, Body: "made"})
	select {
	case resp := <-future:
		if resp.Status != 201 || resp.Body != "made" {
			t.Errorf("resolved with %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("future should resolve after ResolvePending")
	}

	if m.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", m.PendingCount())
	}
}

func TestResolvePendingTwiceIsNoOp(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	future := m.CreatePending("req-1")
	m.ResolvePending("req-1", ResponseFrame{RequestID: "req-1", Status: 200})
	// Late duplicate reply after the slot is gone.
	m.ResolvePending("req-1", ResponseFrame{RequestID: "req-1", Status: 500})

	resp := <-future
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	select {
	case resp := <-future:
		t.Fatalf("unexpected second resolution: %+v", resp)
	default:
	}
}

func TestDropPending(t *testing.T) {
	m := NewManager(newFakeOwnership("pod-a"), testLogger())

	future := m.CreatePending("req-1")
	m.DropPending("req-1")

	if m.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", m.PendingCount())
	}

	// A reply arriving after the drop is a no-op.
	m.ResolvePending("req-1", ResponseFrame{RequestID: "req-1", Status: 200})
	select {
	case <-future:
		t.Fatal("dropped future must not resolve")
	default:
	}
}

func TestNotePongRefreshesTTL(t *testing.T) {
	own := newFakeOwnership("pod-a")
	m := NewManager(own, testLogger())

	tun, err := m.Register(context.Background(), "tunnel_1", &fakeSocket{})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	before := tun.SincePong()
	time.Sleep(5 * time.Millisecond)
	m.NotePong(context.Background(), "tunnel_1")

	if tun.SincePong() > before+5*time.Millisecond {
		t.Error("NotePong should reset the pong clock")
	}
	if own.refreshCount() != 1 {
		t.Errorf("refresh count = %d, want 1", own.refreshCount())
	}

	// Unknown tunnels are ignored and do not touch the store.
	m.NotePong(context.Background(), "tunnel_unknown")
	if own.refreshCount() != 1 {
		t.Errorf("refresh count = %d, want still 1", own.refreshCount())
	}
}
