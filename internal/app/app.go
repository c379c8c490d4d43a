package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"tenantbridge/internal/credential"
	"tenantbridge/internal/devicecode"
	"tenantbridge/internal/httpapi"
	"tenantbridge/internal/tenant"
	"tenantbridge/internal/tokenclaims"
	"tenantbridge/internal/tokenrepo"
)

// App orchestrates the lifecycle of the facade server and the refresh scheduler.
type App struct {
	cfg       *Config
	server    *httpapi.Server
	scheduler *credential.Scheduler
}

// New creates a new App instance.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	manager, err := NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential manager: %w", err)
	}

	server, err := httpapi.New(manager, cfg.Server.AntiForgeryToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create facade server: %w", err)
	}

	scheduler := credential.NewScheduler(manager, cfg.Refresh.SweepInterval, slog.Default())

	return &App{
		cfg:       cfg,
		server:    server,
		scheduler: scheduler,
	}, nil
}

// NewManager wires the credential manager from configuration. Also used by
// the CLI commands, which drive the manager directly without the facade.
func NewManager(cfg *Config) (*credential.Manager, error) {
	store, err := cfg.Storage.NewSecureStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create secure store: %w", err)
	}

	repo, err := tokenrepo.New(store)
	if err != nil {
		return nil, err
	}

	clients := make(map[tenant.Slot]credential.DeviceClient, 2)
	opts := []credential.ManagerOption{
		credential.WithLookahead(cfg.Refresh.Lookahead),
	}
	for _, slot := range tenant.Slots() {
		sc := cfg.Slot(slot)
		client, err := devicecode.NewClient(sc.ClientID, sc.Scopes, devicecode.EndpointsForAuthority(sc.Authority))
		if err != nil {
			return nil, fmt.Errorf("failed to create device client for slot %s: %w", slot, err)
		}
		clients[slot] = client
		if sc.TenantID != "" {
			opts = append(opts, credential.WithExpectedTenant(slot, sc.TenantID))
		}
	}

	return credential.NewManager(clients, repo, tokenclaims.NewValidator(), opts...)
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting facade server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("facade startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	g.Go(func() error {
		a.scheduler.Start(gCtx)
		return nil
	})
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.scheduler.Stop()
		return nil
	})

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "facade runtime error", "error", err)
				return fmt.Errorf("facade: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
