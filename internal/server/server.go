// Package server exposes the Keepsake HTTP API. Every response uses one
// envelope shape; every route below resolves the tenant through the auth
// middleware, so handlers can never act outside a tenant scope.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/events"
	"github.com/keepsake-ai/keepsake/internal/recall"
	"github.com/keepsake-ai/keepsake/internal/resolver"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

// Server is the HTTP front of the memory service.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	resolver  *resolver.Resolver
	assembler *recall.Assembler
	hub       *events.Hub
	apiKeys   map[string]string
	limiters  *rateLimiters
	log       zerolog.Logger

	httpServer *http.Server
}

// New wires the server. hub may be nil to disable the websocket endpoint.
func New(cfg *config.Config, store storage.Store, res *resolver.Resolver, asm *recall.Assembler, hub *events.Hub, log zerolog.Logger) (*Server, error) {
	apiKeys, err := cfg.Auth.ParseAPIKeys()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		resolver:  res,
		assembler: asm,
		hub:       hub,
		apiKeys:   apiKeys,
		limiters:  newRateLimiters(cfg.Server.RateRPS, cfg.Server.RateBurst),
		log:       log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /memory/write", s.handleMemoryWrite)
	mux.HandleFunc("POST /memory/confirm", s.handleMemoryConfirm)
	mux.HandleFunc("POST /memory/revoke", s.handleMemoryRevoke)
	mux.HandleFunc("POST /memory/forget", s.handleMemoryForget)
	mux.HandleFunc("POST /memory/recall", s.handleMemoryRecall)
	mux.HandleFunc("POST /memory/rebuild", s.handleMemoryRebuild)
	mux.HandleFunc("GET /memory/list", s.handleMemoryList)

	mux.HandleFunc("POST /persona/create", s.handlePersonaCreate)
	mux.HandleFunc("POST /persona/create_from_template", s.handlePersonaFromTemplate)
	mux.HandleFunc("GET /persona/profile", s.handlePersonaProfile)
	mux.HandleFunc("POST /persona/slots/get", s.handleSlotsGet)
	mux.HandleFunc("POST /persona/slots/set", s.handleSlotsSet)

	mux.HandleFunc("POST /messages/append", s.handleMessagesAppend)
	mux.HandleFunc("GET /messages/recent", s.handleMessagesRecent)
	mux.HandleFunc("POST /messages/purge", s.handleMessagesPurge)

	mux.HandleFunc("POST /goals/create", s.handleGoalsCreate)
	mux.HandleFunc("GET /goals/list", s.handleGoalsList)
	mux.HandleFunc("POST /goals/status", s.handleGoalsStatus)
	mux.HandleFunc("POST /goals/link", s.handleGoalsLink)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	if hub != nil {
		mux.HandleFunc("GET /events/ws", s.handleEventsWS)
	}

	handler := s.withRequestID(s.withAuth(s.withRateLimit(s.withLogging(mux))))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http.listen")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
