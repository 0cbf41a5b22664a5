package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"proctor/internal/anticheat"
	"proctor/internal/api"
	"proctor/internal/config"
	"proctor/internal/realtime"
	"proctor/internal/roster"
	"proctor/internal/session"
	"proctor/internal/store"
)

// Application wires the components together. Initialization order is
// Store -> Roster -> Sessions -> Engine -> Realtime -> API -> HTTP.
type Application struct {
	config      *config.Config
	store       *store.Store
	sessions    *session.Manager
	engine      *anticheat.Engine
	registry    *realtime.Registry
	coordinator *realtime.Coordinator
	httpServer  *http.Server
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	rosterValidator := roster.NewValidator(cfg.Roster.Path)

	sessions := session.NewManager(st, rosterValidator, cfg.Exam.Duration)
	if err := sessions.LoadSessions(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	engine := anticheat.NewEngine(
		cfg.AntiCheat.HeartbeatInterval,
		cfg.AntiCheat.HeartbeatTolerance,
		cfg.AntiCheat.ExpectedTimezone,
	)

	registry := realtime.NewRegistry()
	coordinator := realtime.NewCoordinator(sessions, engine, registry, cfg)
	wsHandler := realtime.NewHandler(coordinator, cfg)
	apiServer := api.NewServer(sessions, engine, coordinator, st)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		store:       st,
		sessions:    sessions,
		engine:      engine,
		registry:    registry,
		coordinator: coordinator,
		httpServer:  httpServer,
	}, nil
}

// Start launches the sweeps and the HTTP server, returning once the
// server is accepting connections.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting proctor on %s", app.httpServer.Addr)

	app.coordinator.Start()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.coordinator.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("Proctor started")
		return nil
	case <-ctx.Done():
		app.coordinator.Stop()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, sweeps, then the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down proctor")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	app.coordinator.Stop()
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("Proctor shutdown complete")
	return nil
}
