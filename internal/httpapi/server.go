// Package httpapi is the thin HTTP facade over the credential manager.
// Request/response mapping only; all protocol state lives in the manager.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tenantbridge/internal/credential"
	"tenantbridge/internal/observability/middleware"
	"tenantbridge/internal/tenant"
	"tenantbridge/internal/tokenrepo"
)

// CredentialService is the manager surface the facade maps onto.
type CredentialService interface {
	SignIn(ctx context.Context, slot tenant.Slot) (*credential.SessionInfo, error)
	CheckStatus(ctx context.Context, slot tenant.Slot, sessionID string) (credential.PollStatus, error)
	GetToken(ctx context.Context, slot tenant.Slot) (*tokenrepo.TokenRecord, error)
	SignOut(ctx context.Context, slot tenant.Slot) error
	StatusAll(ctx context.Context) (map[tenant.Slot]credential.Status, error)
}

// Server serves the credential API.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates the facade. State-changing endpoints require the anti-forgery
// token in the X-Antiforgery-Token header; it is distributed out of band.
func New(service CredentialService, antiForgeryToken string) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("missing credential service")
	}
	if antiForgeryToken == "" {
		return nil, fmt.Errorf("missing anti-forgery token")
	}

	logger := slog.Default()
	h := &handlers{service: service}

	base := []func(http.Handler) http.Handler{
		middleware.Logging(logger),
		Recovery,
	}
	mutating := append([]func(http.Handler) http.Handler{}, base...)
	mutating = append(mutating, AntiForgery(antiForgeryToken))

	mux := http.NewServeMux()
	mux.Handle("POST /device-code/start", applyMiddlewares(http.HandlerFunc(h.startDeviceCode), mutating...))
	mux.Handle("GET /device-code/status", applyMiddlewares(http.HandlerFunc(h.deviceCodeStatus), base...))
	mux.Handle("POST /auth/signout", applyMiddlewares(http.HandlerFunc(h.signOut), mutating...))
	mux.Handle("GET /auth/token", applyMiddlewares(http.HandlerFunc(h.token), base...))
	mux.Handle("GET /auth/status", applyMiddlewares(http.HandlerFunc(h.status), base...))
	mux.Handle("GET /healthz", applyMiddlewares(http.HandlerFunc(h.health), base...))

	return &Server{mux: mux}, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second, // Read entire client request (DoS protection against slow clients)
		WriteTimeout: 60 * time.Second, // Responses are small JSON; a provider round trip is the only slow path
		IdleTimeout:  90 * time.Second, // Keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
