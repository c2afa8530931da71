package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/session"
)

// Defaults for Options.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Attacher hands a new connection to the session layer.
// *session.Registry implements it.
type Attacher interface {
	Attach(publicKey string, conn session.Conn) (*session.Peer, error)
}

// Options configures a Server.
type Options struct {
	// IdleTimeout is how long a connection may go without any inbound frame
	// or pong before it is closed. Pings are sent at half this interval.
	IdleTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler

	// Logger receives transport logs; slog.Default() when nil.
	Logger *slog.Logger
}

// Server is the HTTP front end of the sync server.
type Server struct {
	sessions Attacher
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer returns a Server that attaches upgraded connections to sessions.
func NewServer(sessions Attacher, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Clients are apps, not browser pages on a known origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register adds the server routes to router.
func (s *Server) Register(router *mux.Router) {
	router.Path("/").Methods(http.MethodGet).HandlerFunc(s.Health)
	router.Path("/sync").Methods(http.MethodGet).HandlerFunc(s.Sync)
	if s.opts.Metrics != nil {
		router.Path("/metrics").Methods(http.MethodGet).Handler(s.opts.Metrics)
	}
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(notFound)
}

// Handler returns a router serving every route.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.Register(router)
	return router
}

// Health responds "ok".
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Sync upgrades a replication connection. Requests are validated before any
// session is contacted.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte("expected Upgrade: websocket"))
		return
	}

	publicKey := r.URL.Query().Get("publicKey")
	if _, err := ir.NormalizePublicKey(publicKey); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &wsConn{ws: ws, writeTimeout: s.opts.WriteTimeout}
	peer, err := s.sessions.Attach(publicKey, conn)
	if err != nil {
		s.logger.Warn("attach connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Debug("connection attached", "conn", peer.ID(), "remote", r.RemoteAddr)
	s.serve(ws, peer)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
