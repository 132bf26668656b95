package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/delivery"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/registry"
	"github.com/Tyrowin/chatverse/internal/rooms"
	"github.com/Tyrowin/chatverse/internal/store"
)

// Dependencies are the stores and shared services a Server runs on. The
// caller owns them and closes them after Shutdown.
type Dependencies struct {
	Users         store.Users
	Chats         store.Chats
	Messages      store.Messages
	Verifier      *auth.Verifier
	Runner        *async.Runner
	PresenceSinks []presence.Sink
}

// Server is a fully wired chat service.
type Server struct {
	cfg    config.Config
	http   *http.Server
	hub    *Hub
	router *Router
}

// New wires the connection registry, room tracker, presence publisher,
// delivery state machine and event router behind an HTTP server.
func New(cfg config.Config, deps Dependencies) *Server {
	reg := registry.New()
	tracker := rooms.New()
	pub := presence.NewPublisher(reg, deps.Runner, deps.PresenceSinks...)
	machine := delivery.New(deps.Messages, deps.Chats, reg, cfg.Store.Timeout)

	router := NewEventRouter(RouterDeps{
		Registry:     reg,
		Rooms:        tracker,
		Presence:     pub,
		Delivery:     machine,
		Chats:        deps.Chats,
		Runner:       deps.Runner,
		StoreTimeout: cfg.Store.Timeout,
	})
	hub := NewHub(cfg, router)

	handlers := NewHandlers(HandlersDeps{
		Hub:            hub,
		Router:         router,
		Verifier:       deps.Verifier,
		Users:          deps.Users,
		Chats:          deps.Chats,
		Presence:       pub,
		Delivery:       machine,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		StoreTimeout:   cfg.Store.Timeout,
	})

	return &Server{
		cfg:    cfg,
		http:   CreateServer(cfg.Server.Port, SetupRoutes(handlers)),
		hub:    hub,
		router: router,
	}
}

// CreateServer builds the HTTP server for addr (server.port) and handler with
// fixed read, write and idle timeouts.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() *Router { return s.router }

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after a clean Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every websocket client and
// waits for their disconnect cleanup, all within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server...")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	} else {
		log.Info().Msg("HTTP server shutdown completed")
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
