// Package dashboard is the HTTP and websocket surface of the bridge.
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/challenge"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/send"
	"github.com/sipeed/wabridge/pkg/session"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// Session is the part of the session controller the API drives.
type Session interface {
	Start() error
	Stop(reason string) error
	TryRestart(reason string) error
	Status() session.Status
	Challenge() *challenge.Challenge
	ChallengeSVG(size int) (string, error)
}

// Sender delivers outbound messages.
type Sender interface {
	Send(ctx context.Context, phone, body string) (*send.Ack, error)
	InFlight() *send.Request
	FailureCount() int
}

type Options struct {
	Host           string
	Port           int
	AllowedOrigins []string
	// Production disables the implicit localhost origin allowance, which
	// also applies only while AllowedOrigins is empty.
	Production bool
	// Journal is optional; when set /api/debug includes recent transitions.
	Journal repository.DiagnosticsRepository
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:\d+)?$`)

const debugTransitions = 20

type Server struct {
	opts       Options
	session    Session
	sender     Sender
	hub        *bus.Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(sess Session, sender Sender, hub *bus.Hub, opts Options) *Server {
	s := &Server{
		opts:      opts,
		session:   sess,
		sender:    sender,
		hub:       hub,
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Handler returns the routed API with origin enforcement applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/qr", s.handleQR)
	mux.HandleFunc("/qr.png", s.handleQRPNG)
	mux.HandleFunc("/qr.svg", s.handleQRSVG)
	mux.HandleFunc("/api/init", s.handleInit)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/debug", s.handleDebug)

	// WebSocket (origin checked by the upgrader)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleRoot)

	return s.corsMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("dashboard", "Bridge API started", map[string]interface{}{
			"address":    addr,
			"production": s.opts.Production,
			"origins":    s.opts.AllowedOrigins,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("dashboard", "Bridge API error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.WarnCF("dashboard", "Bridge API shutdown incomplete", map[string]interface{}{
				"error": err.Error(),
			})
		}
		logger.InfoC("dashboard", "Bridge API stopped")
	}
}

// originAllowed reports whether a browser origin may use the API. Requests
// without an Origin header (curl, server-to-server) are always allowed.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	// Localhost is only the default list; an explicit list replaces it.
	if len(s.opts.AllowedOrigins) > 0 || s.opts.Production {
		return false
	}
	return localhostOrigin.MatchString(origin)
}

// corsMiddleware enforces the origin allow-list and answers preflights.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")

		if !s.originAllowed(origin) {
			logger.WarnCF("dashboard", "Rejected request from disallowed origin", map[string]interface{}{
				"origin": origin,
				"path":   r.URL.Path,
			})
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
