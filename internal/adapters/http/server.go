package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/adapters/http/handlers"
	"github.com/quarrylabs/quarry/internal/adapters/http/middleware"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/ports"
)

// Server wires the middleware onion and route table around the application
// services. Everything except /health, /metrics, /stream/{token} and
// /api/auth/* sits behind bearer authentication.
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server

	principals    *services.PrincipalService
	conversations *services.ConversationService
	chat          *services.ChatService
	streams       *services.StreamService
	modelRouter   ports.ModelRouter
	verifier      middleware.TokenVerifier
	idp           handlers.LoginProvider
	healthChecks  map[string]handlers.HealthCheck
	version       string
}

func NewServer(
	cfg *config.Config,
	principals *services.PrincipalService,
	conversations *services.ConversationService,
	chat *services.ChatService,
	streams *services.StreamService,
	modelRouter ports.ModelRouter,
	verifier middleware.TokenVerifier,
	idp handlers.LoginProvider,
	healthChecks map[string]handlers.HealthCheck,
	version string,
) *Server {
	s := &Server{
		config:        cfg,
		principals:    principals,
		conversations: conversations,
		chat:          chat,
		streams:       streams,
		modelRouter:   modelRouter,
		verifier:      verifier,
		idp:           idp,
		healthChecks:  healthChecks,
		version:       version,
	}

	dto.SetDebug(cfg.Server.Debug)

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)
	r.Use(middleware.Auth(s.verifier, s.principals, s.config.JWT.BypassPrefixes))

	healthHandler := handlers.NewHealthHandler(s.healthChecks)
	r.Get("/health", healthHandler.Handle)
	r.Get("/health/{service}", healthHandler.HandleService)
	r.Handle("/metrics", promhttp.Handler())

	authHandler := handlers.NewAuthHandler(s.idp, s.verifier, s.principals)
	r.Post("/api/auth/login", authHandler.Login)
	r.Post("/api/auth/verify", authHandler.Verify)

	usersHandler := handlers.NewUsersHandler(s.principals)
	r.Get("/api/users/me", usersHandler.Me)
	r.Put("/api/users/me", usersHandler.UpdateMe)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Get("/api/users", usersHandler.List)
		r.Get("/api/users/{id}", usersHandler.Get)
		r.Delete("/api/users/{id}", usersHandler.Delete)
	})

	conversationsHandler := handlers.NewConversationsHandler(s.conversations)
	chatHandler := handlers.NewChatHandler(s.chat)
	streamHandler := handlers.NewStreamHandler(s.streams)
	r.Route("/api/chat/conversations", func(r chi.Router) {
		r.Post("/", conversationsHandler.Create)
		r.Get("/", conversationsHandler.List)
		r.Get("/{id}", conversationsHandler.Get)
		r.Patch("/{id}", conversationsHandler.Patch)
		r.Delete("/{id}", conversationsHandler.Delete)
		r.Get("/{id}/messages", conversationsHandler.ListMessages)
		r.Post("/{id}/chat", chatHandler.Chat)
		r.Post("/{id}/prepare-stream", streamHandler.Prepare)
	})

	// The stream endpoint sits on the auth bypass list: the single-use
	// token minted by prepare-stream is the whole authorization.
	r.Get("/stream/{token}", streamHandler.Stream)

	modelsHandler := handlers.NewModelsHandler(s.modelRouter)
	r.Get("/api/llm/models", modelsHandler.List)

	serverInfoHandler := handlers.NewServerInfoHandler("quarry", s.version)
	r.Get("/api/server/info", serverInfoHandler.GetServerInfo)

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE streaming
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
