package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/client"
	"github.com/pesio-ai/be-governance/internal/config"
	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/handler"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/middleware"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/repository/memory"
	"github.com/pesio-ai/be-governance/internal/service"
	"github.com/pesio-ai/be-governance/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Bool("governance_enabled", cfg.Governance.Enabled).
		Msg("Starting Governance Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	// Initialize storage
	store := newStore(ctx, cfg, log)
	defer store.Close()

	// Initialize event publisher
	var events *client.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		events = client.NewEventPublisher(nc, cfg.NATS.SubjectPrefix, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		events = client.NewEventPublisher(nil, cfg.NATS.SubjectPrefix, log)
	}

	// Initialize effects and services
	registry := effect.NewRegistry(log)
	effect.RegisterDefaults(registry)

	settings := service.Settings{
		Enabled:       cfg.Governance.Enabled,
		ElevatedRoles: cfg.Governance.ElevatedRoles,
	}
	policyService := service.NewPolicyService(store, registry, log)
	approvalService := service.NewApprovalService(store, registry, settings, log, service.WithEventPublisher(events))
	expenseService := service.NewExpenseService(store, approvalService, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(policyService, approvalService, expenseService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpHandler.RegisterRoutes(mux)

	// Apply middleware, outermost first
	mws := []middleware.Middleware{
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.CORS(cfg.Server.AllowedOrigins),
		middleware.Timeout(cfg.Server.RequestTimeout),
	}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		go limiter.Run(ctx)
		mws = append(mws, middleware.RateLimit(limiter))
	}
	verifier := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	mws = append(mws, middleware.Authenticate(verifier, "/health"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(store, cfg.Service.Name, log)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogging(log)))
	grpcHandler.Register(grpcServer)
	go grpcHandler.Run(ctx, 15*time.Second)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcHandler.Shutdown()
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// newStore opens the configured storage backend.
func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) repository.Store {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage; data is lost on restart")
		return memory.New()
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Str("database", cfg.Database.Database).
		Msg("Database connection established")
	return repository.NewPostgresStore(db)
}
