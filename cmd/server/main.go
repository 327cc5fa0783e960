// LeetCoach stuck-detection server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/leetcoach/internal/api"
	"github.com/ashureev/leetcoach/internal/config"
	"github.com/ashureev/leetcoach/internal/identity"
	"github.com/ashureev/leetcoach/internal/middleware"
	"github.com/ashureev/leetcoach/internal/notify"
	"github.com/ashureev/leetcoach/internal/oracle"
	"github.com/ashureev/leetcoach/internal/session"
	"github.com/ashureev/leetcoach/internal/store"
	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "oracle_mode", string(cfg.Oracle.Mode))

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	engine, err := config.LoadEngine(cfg.ThresholdsPath)
	if err != nil {
		slog.Error("Failed to load thresholds", "error", err, "path", cfg.ThresholdsPath)
		os.Exit(1)
	}
	engine = cfg.EngineSettings(engine)

	client, err := oracle.New(cfg.OracleSettings(), logger)
	if err != nil {
		// The oracle is advisory; run on local verdicts alone.
		slog.Warn("Failed to initialize assistance oracle, local verdicts only", "error", err)
		client = nil
	}
	var assessor stuck.Oracle
	if client != nil {
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Warn("Failed to close oracle client", "error", closeErr)
			}
		}()
		assessor = client
	}
	oracleMode := string(oracle.ModeNone)
	if client != nil {
		oracleMode = string(client.Mode())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub(cfg.SSE, logger)
	defer hub.Close()

	reg := session.NewRegistry(ctx, session.Options{
		Engine:             engine,
		DefaultPreferences: cfg.DefaultPreferences,
		Oracle:             assessor,
		Repo:               repo,
		Publisher:          hub,
		Logger:             logger,
	})
	defer reg.Close()

	if cfg.ThresholdsPath != "" {
		go func() {
			err := config.WatchEngine(ctx, cfg.ThresholdsPath, logger, func(next stuck.Config) {
				reg.ApplyEngine(ctx, cfg.EngineSettings(next))
			})
			if err != nil {
				slog.Warn("Thresholds hot reload disabled", "error", err)
			}
		}()
	}

	apiHandler := api.NewHandler(repo, reg, hub, oracleMode)
	wsHandler := session.NewWebSocketHandler(reg, repo, cfg.CORSOrigins, cfg.IsDevelopment(), logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	apiHandler.RegisterPublicRoutes(r)

	// Per-device routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		hub.RegisterRoutes(r)
		wsHandler.RegisterRoutes(r)
	})

	// SSE streams and the monitor socket are long-lived: no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sweeper := session.NewSweeper(reg, repo, cfg.SessionIdleTTL, cfg.OfferRetention, nil, logger)
	sweeper.Start(ctx)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// End SSE streams first so Shutdown does not wait on them.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}
