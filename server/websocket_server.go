package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
	"github.com/yuting0624/Cafe-Agent-Gemini/session"
)

const maxMessageSize = 512 * 1024

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	dial           session.DialFunc
	log            *zap.Logger

	// ctx bounds every relay; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, dial session.DialFunc, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		dial:           dial,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Not a browser
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout: they would cut long-lived WebSocket connections.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.log.Info("websocket server starting",
		zap.Int("port", s.config.Port),
		zap.String("endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port)),
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends every live relay and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.cancel()
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket; the upgrader answers failed handshakes itself
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	relay := session.NewRelay(uuid.New().String(), conn, s.dial, session.OptionsFromConfig(s.config), s.log)
	relay.RemoteAddr = r.RemoteAddr
	log := s.log.With(zap.String("session", relay.ID))

	if err := s.sessionManager.Register(s.ctx, relay); err != nil {
		log.Warn("refusing session", zap.Error(err))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second),
		)
		return
	}
	defer s.sessionManager.Unregister(context.Background(), relay.ID)

	log.Info("new session", zap.String("remote_addr", r.RemoteAddr), zap.Int("active", s.sessionManager.ActiveCount()))
	s.runRelay(relay, log)
	log.Info("session closed")
}

// runRelay runs one conversation to completion. Nothing that happens inside
// it may escape to other connections.
func (s *Server) runRelay(relay *session.Relay, log *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("relay panicked", zap.Any("panic", p), zap.Stack("stack"))
			_ = relay.Close()
		}
	}()

	err := relay.Run(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRelayClosed):
		log.Info("session closed before streaming")
	default:
		log.Error("session ended with error", zap.Error(err))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.ActiveCount())
}
