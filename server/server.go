package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"textsync-server/config"
	"textsync-server/domain"
	"textsync-server/hub"
	"textsync-server/protocol"
	ws "textsync-server/websocket"
)

var (
	allowedMethods = []string{http.MethodGet, http.MethodPost}
	allowedHeaders = []string{"Authorization", "Accept", "Content-Type"}
)

// Server exposes the upgrade endpoint plus health and stats. Every accepted
// connection is registered with the hub whatever sink is in use.
type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	handler  *protocol.Handler
	upgrader websocket.Upgrader
	http     *http.Server
}

func New(cfg config.Config, h *hub.Hub, sink domain.Sink) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		handler: protocol.NewHandler(sink),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.http = &http.Server{Handler: s.Handler()}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)

	cors := gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins(s.cfg.AllowedOrigins),
		gorillahandlers.AllowedMethods(allowedMethods),
		gorillahandlers.AllowedHeaders(allowedHeaders),
		gorillahandlers.MaxAge(int(s.cfg.CORSMaxAge.Seconds())),
	)
	return cors(r)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("server starting", "addr", l.Addr().String(), "sink", s.cfg.Sink)
	if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every live connection and waits,
// bounded by ctx, for the connections to finish their close handshake.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.CloseAll()
	if werr := s.hub.WaitEmpty(ctx); werr != nil {
		slog.Warn("connections still open at shutdown", "clients", s.hub.Count(), "error", werr)
		return errors.Join(err, werr)
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) connConfig() ws.Config {
	return ws.Config{
		ProbeInterval:    s.cfg.ProbeInterval,
		TimeoutThreshold: s.cfg.TimeoutThreshold,
		SendQueueSize:    s.cfg.SendQueueSize,
		LogFrames:        s.cfg.LogFrames,
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	t := ws.NewTransport(conn, ws.TransportConfig{
		WriteWait:      s.cfg.WriteWait,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})
	c := ws.NewConn(uuid.New().String(), t, s.handler, s.hub, s.connConfig())
	c.Start()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"clients": s.hub.Count()})
}
