package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"mkv-relay/internal/platform/logger"
	"mkv-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// AdminPrefixes are the request prefixes routed to the admin router when it
// shares the relay listener.
var AdminPrefixes = []string{
	"GET /metrics",
	"GET /healthz",
	"GET /api/",
	"GET /ws/",
}

const maxViewerMessageSize = 512

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AdminHandler exposes metrics, point listings and WebSocket viewing over
// net/http.
type AdminHandler struct {
	reg     *Registry
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewAdminHandler returns an AdminHandler for reg.
// Metrics may be nil, in which case /metrics is not served.
func NewAdminHandler(reg *Registry, opts Options, log *slog.Logger, m *metrics.Metrics) *AdminHandler {
	return &AdminHandler{reg: reg, opts: opts.withDefaults(), log: log, metrics: m}
}

// Router builds the chi router for the admin endpoints.
func (h *AdminHandler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	r.Use(metrics.RequestMiddleware(h.metrics, "admin"))
	if h.metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			h.metrics.Handler(func() { h.metrics.SetActivePoints(h.reg.Len()) }).ServeHTTP(w, r)
		})
	}
	r.Get("/healthz", h.Health)
	r.Get("/api/points", h.ListPoints)
	r.Get("/ws/*", h.ServeWebSocket)
	return r
}

// Health handles GET /healthz.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// ListPoints handles GET /api/points.
func (h *AdminHandler) ListPoints(w http.ResponseWriter, r *http.Request) {
	points := h.reg.Snapshot()
	infos := make([]PointInfo, 0, len(points))
	for _, p := range points {
		infos = append(infos, p.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		h.log.Debug("encoding points", slog.String("error", err.Error()))
	}
}

// ServeWebSocket handles GET /ws/{path}: the viewer receives the container
// header as one binary message, then one message per broadcast element.
func (h *AdminHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	log := h.log.With(slog.String("point", path), slog.String("remote", r.RemoteAddr))

	p, ok := h.reg.Lookup(path)
	if !ok {
		http.Error(w, "no such publishing point", http.StatusNotFound)
		return
	}
	if !p.Ready() {
		http.Error(w, "publishing point not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	sub := NewWebSocketSubscriber(ws, h.opts.WriteTimeout)
	if err := p.AddSubscriber(sub); err != nil {
		log.Info("could not attach websocket viewer", slog.String("error", err.Error()))
		sub.Close()
		return
	}

	ws.SetReadLimit(maxViewerMessageSize)
	for {
		if _, _, err := ws.NextReader(); err != nil {
			break
		}
	}
	p.RemoveSubscriber(sub)
	sub.Close()
}
