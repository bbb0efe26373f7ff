// Package server exposes the WebSocket sync endpoint and a small HTTP API
// for health and status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/auth"
	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/session"
)

// SyncService is the engine surface the server needs.
type SyncService interface {
	Serve(ctx context.Context, clientID string, ident auth.Identity, conn session.Conn) error
	Status() metrics.Snapshot
}

// Server is the HTTP front of the sync service.
type Server struct {
	svc      SyncService
	verifier auth.Verifier
	cfg      config.ServerConfig
	logger   zerolog.Logger
	srv      *http.Server
}

// New creates a Server. A nil verifier accepts any non-empty token.
func New(svc SyncService, verifier auth.Verifier, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	return &Server{
		svc:      svc,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "http-server").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("/sync", s.handleSync)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Listen, s.cfg.Port),
		Handler: s.Handler(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.svc.Status()); err != nil {
		s.logger.Err(err).Msg("encode status")
	}
}

// handleSync upgrades the connection and hands it to the session layer.
// Handshake failures surface as WebSocket close codes rather than HTTP
// errors so clients see one consistent failure channel.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	wsc, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if _, err := uuid.Parse(clientID); err != nil {
		wsc.Close(protocol.StatusAuthFailed, "clientId must be a UUID")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		s.logger.Warn().Str("client", clientID).Msg("rejected connection token")
		wsc.Close(protocol.StatusAuthFailed, "invalid token")
		return
	}

	s.logger.Info().
		Str("client", clientID).
		Str("subject", identity.SubjectID).
		Str("remote", r.RemoteAddr).
		Msg("client connected")

	if err := s.svc.Serve(r.Context(), clientID, identity, session.NewWSConn(wsc)); err != nil {
		s.logger.Debug().Err(err).Str("client", clientID).Msg("session ended with error")
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
