// Package gateway is the northbound HTTP surface: it resolves a public slug
// to a tunnel, serializes the request into a WebSocket frame, and awaits the
// correlated agent response. It never retries; every failure maps to one
// HTTP status and reaps its own pending entry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/tunnelowl/internal/httpserver"
	"github.com/wisbric/tunnelowl/internal/telemetry"
	"github.com/wisbric/tunnelowl/pkg/controlplane"
	"github.com/wisbric/tunnelowl/pkg/tunnel"
)

// forwardMethods are the HTTP methods accepted on the tunnel route.
var forwardMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// refererSlugRe extracts the tunnel slug from a Referer URL.
var refererSlugRe = regexp.MustCompile(`/local_tunnel/([^/]+)`)

// SlugCache is the slug-cache slice of the shared registry.
type SlugCache interface {
	CachedSlug(ctx context.Context, slug string) (string, error)
	CacheSlug(ctx context.Context, slug, tunnelID string) error
}

// Resolver is the authoritative slug resolver (the control plane client).
type Resolver interface {
	ResolveSlug(ctx context.Context, slug string) (*controlplane.Resolution, error)
}

// TunnelTable is the slice of the tunnel manager the forwarder needs.
type TunnelTable interface {
	Get(tunnelID string) (*tunnel.Tunnel, bool)
	CreatePending(requestID string) <-chan tunnel.ResponseFrame
	DropPending(requestID string)
}

// Handler forwards public HTTP requests through agent tunnels.
type Handler struct {
	logger          *slog.Logger
	cache           SlugCache
	resolver        Resolver
	tunnels         TunnelTable
	maxPayloadBytes int
	requestTimeout  time.Duration
}

// NewHandler creates the forwarder Handler.
func NewHandler(cache SlugCache, resolver Resolver, tunnels TunnelTable, maxPayloadBytes int, requestTimeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		logger:          logger,
		cache:           cache,
		resolver:        resolver,
		tunnels:         tunnels,
		maxPayloadBytes: maxPayloadBytes,
		requestTimeout:  requestTimeout,
	}
}

// TunnelRoutes returns the /local_tunnel subrouter.
func (h *Handler) TunnelRoutes() chi.Router {
	r := chi.NewRouter()
	for _, m := range forwardMethods {
		r.Method(m, "/{slug}", http.HandlerFunc(h.handleForward))
		r.Method(m, "/{slug}/*", http.HandlerFunc(h.handleForward))
	}
	return r
}

// StaticRoutes returns the /static subrouter.
func (h *Handler) StaticRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", h.handleStatic)
	return r
}

// handleForward routes one end-user request through the tunnel named by the
// slug in the URL.
func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	rest := chi.URLParam(r, "*")

	t, ok := h.bind(w, r, slug)
	if !ok {
		return
	}

	var body *string
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
			return
		}
		if len(raw) > 0 {
			s := string(raw)
			body = &s
		}
	}

	h.proxy(w, r, t, r.Method, "/"+rest, body)
}

// handleStatic forwards root-absolute asset requests produced by tunneled
// pages. The owning tunnel is inferred from the Referer header; this is a
// best-effort convenience, not a contract.
func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")

	referer := r.Header.Get("Referer")
	if referer == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "missing_referer", "missing Referer header - cannot determine tunnel")
		return
	}

	match := refererSlugRe.FindStringSubmatch(referer)
	if match == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "cannot determine tunnel from referer")
		return
	}
	slug := match[1]

	h.logger.Info("static asset request", "path", "/static/"+rest, "slug", slug)

	t, ok := h.bind(w, r, slug)
	if !ok {
		return
	}

	h.proxy(w, r, t, http.MethodGet, "/static/"+rest, nil)
}

// bind resolves the slug and looks up the live tunnel on this pod. On any
// failure it writes the error response and returns ok=false.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, slug string) (*tunnel.Tunnel, bool) {
	ctx := r.Context()

	tunnelID, err := h.cache.CachedSlug(ctx, slug)
	if err != nil {
		// A cache fault degrades to the control plane; it is never a miss.
		telemetry.SlugLookupsTotal.WithLabelValues("error").Inc()
		h.logger.Warn("slug cache read failed, falling back to control plane", "slug", slug, "error", err)
		tunnelID = ""
	} else if tunnelID != "" {
		telemetry.SlugLookupsTotal.WithLabelValues("cache").Inc()
	}

	if tunnelID == "" {
		res, err := h.resolver.ResolveSlug(ctx, slug)
		if errors.Is(err, controlplane.ErrNotFound) {
			telemetry.RequestsForwardedTotal.WithLabelValues("slug_not_found").Inc()
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "slug not found")
			return nil, false
		}
		if err != nil {
			telemetry.RequestsForwardedTotal.WithLabelValues("resolve_error").Inc()
			h.logger.Error("control plane resolution failed", "slug", slug, "error", err)
			httpserver.RespondError(w, http.StatusBadGateway, "bad_gateway", "control plane unavailable")
			return nil, false
		}
		if res.Status != controlplane.StatusActive {
			telemetry.RequestsForwardedTotal.WithLabelValues("tunnel_gone").Inc()
			httpserver.RespondError(w, http.StatusGone, "gone", "tunnel "+res.Status)
			return nil, false
		}
		telemetry.SlugLookupsTotal.WithLabelValues("control_plane").Inc()
		tunnelID = res.TunnelID

		if err := h.cache.CacheSlug(ctx, slug, tunnelID); err != nil {
			h.logger.Warn("slug cache write failed", "slug", slug, "error", err)
		}
	}

	t, ok := h.tunnels.Get(tunnelID)
	if !ok {
		telemetry.RequestsForwardedTotal.WithLabelValues("not_connected").Inc()
		httpserver.RespondError(w, http.StatusServiceUnavailable, "not_connected", "tunnel not connected to this pod")
		return nil, false
	}
	return t, true
}

// proxy serializes the request into a frame, sends it down the tunnel, and
// awaits the correlated response. The pending entry is created before the
// send and reaped on every exit path that does not consume it.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, t *tunnel.Tunnel, method, path string, body *string) {
	requestID := uuid.New().String()

	payload, err := json.Marshal(tunnel.RequestFrame{
		Type:      tunnel.TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   flattenHeaders(r.Header),
		Body:      body,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "serializing request")
		return
	}

	if len(payload) > h.maxPayloadBytes {
		telemetry.RequestsForwardedTotal.WithLabelValues("payload_too_large").Inc()
		httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request payload too large for tunnel")
		return
	}

	future := h.tunnels.CreatePending(requestID)

	if err := t.Socket.WriteText(r.Context(), payload); err != nil {
		h.tunnels.DropPending(requestID)
		telemetry.RequestsForwardedTotal.WithLabelValues("send_failed").Inc()
		h.logger.Error("sending to tunnel failed", "tunnel_id", t.ID, "request_id", requestID, "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, "bad_gateway", "failed to send to tunnel")
		return
	}

	start := time.Now()
	deadline := time.NewTimer(h.requestTimeout)
	defer deadline.Stop()

	select {
	case resp := <-future:
		telemetry.ForwardDuration.Observe(time.Since(start).Seconds())
		telemetry.RequestsForwardedTotal.WithLabelValues("ok").Inc()
		h.render(w, resp)
	case <-deadline.C:
		h.tunnels.DropPending(requestID)
		telemetry.RequestsForwardedTotal.WithLabelValues("timeout").Inc()
		h.logger.Warn("tunnel timeout", "tunnel_id", t.ID, "request_id", requestID)
		httpserver.RespondError(w, http.StatusGatewayTimeout, "gateway_timeout", "tunnel timeout")
	case <-r.Context().Done():
		// Caller went away; reap the slot, nothing to write.
		h.tunnels.DropPending(requestID)
		telemetry.RequestsForwardedTotal.WithLabelValues("canceled").Inc()
	}
}

// render writes the agent's reply as the HTTP response. Content-Length and
// Transfer-Encoding are dropped so the HTTP layer recomputes framing.
func (h *Handler) render(w http.ResponseWriter, resp tunnel.ResponseFrame) {
	for k, v := range resp.Headers {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding":
			continue
		}
		w.Header().Set(k, v)
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.Body)
}

// flattenHeaders collapses the incoming header map to the single-value shape
// agents expect. Repeated headers are joined per RFC 9110.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, vv := range header {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}
