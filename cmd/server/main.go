// Companions - autonomous social agent engine server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/companions/internal/api"
	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/config"
	"github.com/ashureev/companions/internal/engine"
	"github.com/ashureev/companions/internal/group"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/llm"
	"github.com/ashureev/companions/internal/middleware"
	"github.com/ashureev/companions/internal/pipeline"
	"github.com/ashureev/companions/internal/relation"
	"github.com/ashureev/companions/internal/scheduler"
	"github.com/ashureev/companions/internal/seed"
	"github.com/ashureev/companions/internal/store"
	"github.com/ashureev/companions/internal/telemetry"
)

const serviceName = "companions"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(logger *slog.Logger) error {
	var envFile, seedPath, dbPath, port string
	flagSet := pflag.NewFlagSet("companions", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&seedPath, "seed", "", "YAML roster of agents and groups (overrides SEED_PATH)")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	flagSet.StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if seedPath != "" {
		cfg.SeedPath = seedPath
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if port != "" {
		cfg.Port = port
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	if cfg.SeedPath != "" {
		roster, err := seed.Load(cfg.SeedPath)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, repo, roster, logger); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	// Initialize services.
	hub := bus.NewHub(cfg.BusQueueSize, logger)
	generator := llm.NewRateLimited(llm.NewOpenAI(cfg.LLMDefaults()), cfg.LLM.RatePerSecond, cfg.LLM.Burst)
	policy := cfg.EmotionPolicy()
	book := ledger.New(repo, nil, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Repo:   repo,
		LLM:    generator,
		Ledger: book,
		Bus:    hub,
	}, policy, cfg.Pipeline(), logger)
	sched := scheduler.New(runner, repo, hub, policy, logger)
	orchestrator := group.New(runner, repo, hub, cfg.GroupOrchestrator(), logger)
	eng := engine.New(engine.Deps{
		Repo:      repo,
		Ledger:    book,
		Runner:    runner,
		Scheduler: sched,
		Groups:    orchestrator,
		Judge:     relation.NewJudge(generator, logger),
		Bus:       hub,
	}, policy, cfg.Engine(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.Origins()))

	api.NewHandler(eng, sched, repo, logger).RegisterRoutes(r)
	r.Get("/ws", bus.NewHandler(hub, cfg.Origins()).ServeHTTP)

	// Websocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		slog.Info("gRPC health listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})

	if err := sched.StartAll(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	sched.StartSnapshotWorker(gctx, cfg.SnapshotInterval)

	// Wait for a shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		stop()

		slog.Info("Shutting down gracefully...")
		healthServer.Shutdown()

		sched.Shutdown()
		orchestrator.Shutdown()
		eng.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
