// Package api serves the ground-link REST API and live event stream.
//
// Routes:
//
//	GET  /api/v1/status          link and service summary
//	GET  /api/v1/nodes           vehicle nodes heard on the link
//	GET  /api/v1/nodes/{name}    one node
//	GET  /api/v1/commands        outbox records, newest first
//	GET  /api/v1/commands/{id}   one outbox record
//	POST /api/v1/commands        queue a command
//	GET  /api/v1/services        service status rows
//	GET  /api/v1/telemetry       recent decoded messages
//	GET  /api/v1/radio           recent radio metrics
//	GET  /api/v1/events          WebSocket live stream (?types=a,b)
//	GET  /metrics                Prometheus
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/linkhealth"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/outbox"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/state"
	"github.com/uorocketry/rgs-sub000/internal/store"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// LinkStatus reports link health; nil when this process runs no monitor.
type LinkStatus interface {
	Snapshot() linkhealth.Snapshot
}

// Deps are the handler dependencies. Link may be nil.
type Deps struct {
	DB     *store.DB
	Nodes  *state.Manager
	Bus    *gateway.EventBus
	Link   LinkStatus
	Source string // source_service stamped on API-queued commands
	Log    *zap.Logger
}

type Server struct {
	Deps
	started time.Time
}

// NewRouter wires every route and returns the handler.
func NewRouter(d Deps) http.Handler {
	if d.Source == "" {
		d.Source = "api"
	}
	s := &Server{Deps: d, started: time.Now().UTC()}

	mux := http.NewServeMux()
	route := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(op, h))
	}

	route("GET /api/v1/status", "status", s.status)

	route("GET /api/v1/nodes", "list_nodes", s.listNodes)
	route("GET /api/v1/nodes/{name}", "get_node", s.getNode)

	route("GET /api/v1/commands", "list_commands", s.listCommands)
	route("GET /api/v1/commands/{id}", "get_command", s.getCommand)
	route("POST /api/v1/commands", "queue_command", s.queueCommand)

	route("GET /api/v1/services", "list_services", s.listServices)
	route("GET /api/v1/telemetry", "list_telemetry", s.listTelemetry)
	route("GET /api/v1/radio", "list_radio", s.listRadio)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)
	mux.Handle("GET /metrics", metrics.Handler())

	return withLogging(d.Log, mux)
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info("api: listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime_s":    int64(time.Since(s.started).Seconds()),
		"node_count":  s.Nodes.NodeCount(),
		"subscribers": s.Bus.Len(),
	}
	if s.Link != nil {
		body["link"] = s.Link.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.Nodes.ListNodes()
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.Nodes.GetNode(r.PathValue("name"))
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ── Commands ──────────────────────────────────────────────────────────────

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmds, err := s.DB.ListCommands(r.Context(), limit)
	if err != nil {
		s.Log.Error("api: list commands", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid command id", http.StatusBadRequest)
		return
	}
	cmd, err := s.DB.GetCommand(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Log.Error("api: get command", zap.Int64("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type queueCommandRequest struct {
	CommandType   string          `json:"command_type"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	SourceService string          `json:"source_service,omitempty"`
}

func (s *Server) queueCommand(w http.ResponseWriter, r *http.Request) {
	var req queueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.CommandType = strings.TrimSpace(req.CommandType)
	if req.CommandType == "" {
		http.Error(w, "command_type required", http.StatusBadRequest)
		return
	}

	var params *string
	if len(req.Parameters) > 0 && string(req.Parameters) != "null" {
		p := string(req.Parameters)
		params = &p
	}
	// Reject what the dispatcher would only mark Failed.
	if _, err := outbox.Resolve(req.CommandType, params, radio.NodeUnspecified); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":         err.Error(),
			"command_types": outbox.CommandTypes(),
		})
		return
	}

	source := req.SourceService
	if source == "" {
		source = s.Source
	}
	id, err := s.DB.InsertCommand(r.Context(), req.CommandType, params, source)
	if err != nil {
		s.Log.Error("api: queue command", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.Log.Info("api: command queued", zap.Int64("id", id), zap.String("type", req.CommandType))
	s.Bus.PublishCommand(gateway.CommandChange{
		ID:          id,
		CommandType: req.CommandType,
		Status:      string(store.StatusPending),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": store.StatusPending})
}

// ── Services and telemetry ────────────────────────────────────────────────

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.ListServiceStatus(r.Context())
	if err != nil {
		s.Log.Error("api: list services", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": rows, "count": len(rows)})
}

func (s *Server) listTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := s.DB.RecentTelemetry(r.Context(), limit)
	if err != nil {
		s.Log.Error("api: list telemetry", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) listRadio(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.DB.RecentRadioMetrics(r.Context(), limit)
	if err != nil {
		s.Log.Error("api: list radio metrics", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": rows, "count": len(rows)})
}

// ── WebSocket event stream ────────────────────────────────────────────────

// eventStream accepts ?types=command,link_health to narrow the stream.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	types, err := gateway.ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.Bus.Subscribe(types...)
	defer unsub()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := conn.WriteJSON(evt); err != nil {
				s.Log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: connection does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
