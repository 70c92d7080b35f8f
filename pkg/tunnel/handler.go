package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/wisbric/tunnelowl/internal/telemetry"
	"github.com/wisbric/tunnelowl/pkg/controlplane"
)

// Validator checks agent credentials against the control plane.
type Validator interface {
	ValidateTunnel(ctx context.Context, tunnelID, token string) (*controlplane.Validation, error)
}

// HandlerConfig bounds one agent session.
type HandlerConfig struct {
	MaxPayloadBytes int
	PingInterval    time.Duration
	PongTimeout     time.Duration
}

// Handler runs the WebSocket admission protocol and session loop for
// connecting agents.
type Handler struct {
	manager   *Manager
	validator Validator
	config    HandlerConfig
	logger    *slog.Logger
}

// NewHandler creates the WebSocket Handler.
func NewHandler(manager *Manager, validator Validator, config HandlerConfig, logger *slog.Logger) *Handler {
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = 64 * 1024
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 10 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 5 * time.Second
	}
	return &Handler{
		manager:   manager,
		validator: validator,
		config:    config,
		logger:    logger,
	}
}

// Routes returns a chi.Router with the tunnel WebSocket endpoint mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tunnelID}", h.handleConnect)
	return r
}

// handleConnect admits one agent connection. Rejections happen after the
// upgrade so the agent sees an application close code instead of a refused
// handshake.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	token := r.Header.Get("X-Tunnel-Token")
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "tunnel_id", tunnelID, "error", err)
		return
	}
	defer conn.CloseNow()
	// Headroom over the application limit; the receive loop enforces the
	// exact byte cap and the library backstops runaway frames with 1009.
	conn.SetReadLimit(int64(h.config.MaxPayloadBytes) + 1024)

	if token == "" {
		h.logger.Warn("tunnel connection rejected - missing token", "tunnel_id", tunnelID)
		_ = conn.Close(websocket.StatusPolicyViolation, "missing X-Tunnel-Token header")
		return
	}

	validation, err := h.validator.ValidateTunnel(ctx, tunnelID, token)
	if err != nil {
		h.logger.Error("tunnel validation failed - control plane unavailable", "tunnel_id", tunnelID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "control plane unavailable")
		return
	}
	if !validation.Valid {
		h.logger.Warn("tunnel connection rejected - invalid credentials",
			"tunnel_id", tunnelID, "status", validation.Status)
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid tunnel credentials: "+validation.Status)
		return
	}
	if validation.Status != controlplane.StatusActive {
		h.logger.Warn("tunnel connection rejected - inactive status",
			"tunnel_id", tunnelID, "status", validation.Status)
		_ = conn.Close(websocket.StatusPolicyViolation, "tunnel status: "+validation.Status)
		return
	}

	socket := newWSSocket(conn)
	t, err := h.manager.Register(ctx, tunnelID, socket)
	if err != nil {
		var owned *AlreadyOwnedError
		if errors.As(err, &owned) {
			h.logger.Warn("tunnel registration refused", "tunnel_id", tunnelID, "owner", owned.Owner)
			_ = conn.Close(websocket.StatusPolicyViolation, "duplicate tunnel registration")
			return
		}
		h.logger.Error("tunnel registration failed", "tunnel_id", tunnelID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "registry unavailable")
		return
	}

	h.logger.Info("tunnel connected and validated",
		"tunnel_id", tunnelID, "expires_at", validation.ExpiresAt)

	hbCtx, cancel := context.WithCancel(ctx)
	t.setHeartbeatCancel(cancel)
	go h.heartbeat(hbCtx, t)

	h.receiveLoop(ctx, conn, t)

	// The request context may already be canceled at this point; cleanup
	// gets its own deadline.
	removeCtx, removeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer removeCancel()
	h.manager.Remove(removeCtx, tunnelID)

	h.logger.Info("tunnel disconnected", "tunnel_id", tunnelID)
}

// receiveLoop demultiplexes inbound frames until the connection dies. Frames
// are dispatched one at a time, in order.
func (h *Handler) receiveLoop(ctx context.Context, conn *websocket.Conn, t *Tunnel) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("tunnel read ended", "tunnel_id", t.ID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		if len(data) > h.config.MaxPayloadBytes {
			h.logger.Warn("payload too large, closing", "tunnel_id", t.ID, "bytes", len(data))
			_ = conn.Close(websocket.StatusMessageTooBig, "payload too large")
			return
		}

		var msg frame
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid JSON from tunnel", "tunnel_id", t.ID)
			continue
		}

		switch msg.Type {
		case TypeResponse:
			telemetry.WSFramesTotal.WithLabelValues(TypeResponse).Inc()
			if msg.RequestID != "" {
				h.manager.ResolvePending(msg.RequestID, msg.response())
			}
		case TypePong:
			telemetry.WSFramesTotal.WithLabelValues(TypePong).Inc()
			h.manager.NotePong(ctx, t.ID)
		case TypePing:
			telemetry.WSFramesTotal.WithLabelValues(TypePing).Inc()
			if err := t.Socket.WriteText(ctx, pongMessage); err != nil {
				h.logger.Debug("pong reply failed", "tunnel_id", t.ID, "error", err)
			}
		default:
			telemetry.WSFramesTotal.WithLabelValues("unknown").Inc()
			h.logger.Debug("unhandled ws message type", "tunnel_id", t.ID, "type", msg.Type)
		}
	}
}

// heartbeat pings the agent on a fixed interval and closes the session when
// the agent misses its pong deadline or the ping cannot be sent. Closing the
// socket makes the receive loop exit, which unregisters the tunnel.
func (h *Handler) heartbeat(ctx context.Context, t *Tunnel) {
	liveness := h.config.PingInterval + h.config.PongTimeout

	for {
		if !sleep(ctx, h.config.PingInterval) {
			return
		}

		if err := t.Socket.WriteText(ctx, pingMessage); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("failed to send ping, closing", "tunnel_id", t.ID)
			_ = t.Socket.Close(websocket.StatusNormalClosure, "ping failed")
			return
		}

		if !sleep(ctx, h.config.PongTimeout) {
			return
		}

		if t.SincePong() > liveness {
			telemetry.HeartbeatTimeoutsTotal.Inc()
			h.logger.Warn("pong timeout, closing connection", "tunnel_id", t.ID)
			_ = t.Socket.Close(websocket.StatusNormalClosure, "pong timeout")
			return
		}
	}
}

// sleep waits d or until ctx is done, reporting whether the full duration
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
