package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"mkv-relay/internal/chunked"
	"mkv-relay/internal/httpreq"
	"mkv-relay/internal/platform/metrics"
)

const (
	matroskaContentType = "video/x-matroska"
	statsPath           = "/stats"
)

// Handler serves one relay request per connection: stats, viewing, or
// publishing.
type Handler struct {
	reg     *Registry
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler routing requests against reg.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(reg *Registry, opts Options, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{reg: reg, opts: opts.withDefaults(), log: log, metrics: m}
}

// ServeConn reads the request on conn and serves it. conn is closed when
// ServeConn returns.
func (h *Handler) ServeConn(conn net.Conn) {
	log := h.log.With(slog.String("remote", addrString(conn.RemoteAddr())))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic serving connection", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
		}
		conn.Close()
		log.Debug("connection closed")
	}()

	if err := conn.SetReadDeadline(time.Now().Add(h.opts.RequestTimeout)); err != nil {
		log.Debug("setting request deadline", slog.String("error", err.Error()))
		return
	}
	req, err := httpreq.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, httpreq.ErrBadRequest) {
			log.Warn("malformed request", slog.String("error", err.Error()))
			h.reply(conn, "bad_request", http.StatusBadRequest, "")
			return
		}
		log.Debug("reading request", slog.String("error", err.Error()))
		return
	}
	conn.SetReadDeadline(time.Time{})

	log = log.With(slog.String("method", req.Method), slog.String("path", req.Path))
	switch req.Method {
	case http.MethodGet:
		if req.Path == statsPath {
			h.serveStats(conn)
			return
		}
		h.serveView(conn, req, log)
	case http.MethodPost:
		h.servePublish(conn, req, log)
	default:
		log.Warn("unrecognised request")
		h.reply(conn, "bad_request", http.StatusBadRequest, "")
	}
}

func (h *Handler) serveStats(conn net.Conn) {
	h.reply(conn, "stats", http.StatusOK, StatsText(h.reg.Snapshot()))
}

// serveView attaches the connection to a ready publishing point and holds
// it until the viewer hangs up or the point drops it.
func (h *Handler) serveView(conn net.Conn, req *httpreq.Request, log *slog.Logger) {
	if err := httpreq.ValidatePath(req.Path); err != nil {
		log.Warn("invalid path", slog.String("error", err.Error()))
		h.reply(conn, "view", http.StatusBadRequest, err.Error())
		return
	}
	p, ok := h.reg.Lookup(req.Path)
	if !ok {
		h.reply(conn, "view", http.StatusNotFound, "")
		return
	}
	if !p.Ready() {
		log.Debug("publishing point not ready")
		h.reply(conn, "view", http.StatusServiceUnavailable, "")
		return
	}

	h.metrics.IncRequests("view")
	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if err := httpreq.WriteHead(conn, http.StatusOK, "Content-Type", matroskaContentType); err != nil {
		log.Info("viewer gone before response", slog.String("error", err.Error()))
		return
	}
	sub := NewConnSubscriber(conn, h.opts.WriteTimeout)
	if err := p.AddSubscriber(sub); err != nil {
		log.Info("could not attach viewer", slog.String("error", err.Error()))
		return
	}

	// Viewers send nothing after the request; a read returns once the
	// viewer disconnects or the point closes the connection.
	io.Copy(io.Discard, req.Body)
	p.RemoveSubscriber(sub)
}

func (h *Handler) servePublish(conn net.Conn, req *httpreq.Request, log *slog.Logger) {
	if err := httpreq.ValidatePath(req.Path); err != nil {
		log.Warn("invalid path", slog.String("error", err.Error()))
		h.reply(conn, "publish", http.StatusBadRequest, err.Error())
		return
	}

	h.metrics.IncRequests("publish")
	err := h.reg.Open(req.Path, func(p *PublishingPoint) error {
		te := req.Header.Get("Transfer-Encoding")
		log.Info("publisher starts streaming", slog.String("transfer_encoding", te))
		body := chunked.NewBody(req.Body, te, h.opts.MaxChunkSize)
		return p.Ingest(body, conn)
	})

	switch {
	case errors.Is(err, ErrAlreadyPublishing):
		log.Info("publish rejected", slog.String("error", err.Error()))
		h.metrics.IncSessions(metrics.OutcomeConflict)
		h.metrics.IncErrors()
		conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		httpreq.WriteResponse(conn, http.StatusServiceUnavailable, "Publishing point already active.")
	case err == nil || IsEndOfStream(err):
		log.Info("publisher finished", slog.Any("reason", err))
		h.metrics.IncSessions(metrics.OutcomeEndOfStream)
	case errors.Is(err, ErrTimeout):
		log.Error("publisher timed out", slog.String("error", err.Error()))
		h.metrics.IncSessions(metrics.OutcomeTimeout)
	default:
		log.Error("publish session failed", slog.String("error", err.Error()))
		h.metrics.IncSessions(metrics.OutcomeError)
	}
}

// reply writes a complete response, counting it under route.
func (h *Handler) reply(conn net.Conn, route string, status int, body string) {
	h.metrics.IncRequests(route)
	if status >= 400 {
		h.metrics.IncErrors()
	}
	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if body == "" && status != http.StatusOK {
		httpreq.WriteHead(conn, status)
		return
	}
	httpreq.WriteResponse(conn, status, body)
}
