// Command backend is the main entrypoint for the streambet wagering service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and seeds the points ledger.
//   - Starts the chat auth bridge and the hub's scheduled events (point grants,
//     ledger snapshots).
//   - Exposes the websocket endpoint plus /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM and takes a final ledger snapshot.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bananirou/streambet/backend/chat"
	"github.com/bananirou/streambet/backend/config"
	"github.com/bananirou/streambet/backend/db"
	"github.com/bananirou/streambet/backend/points"
	"github.com/bananirou/streambet/backend/predict"
	"github.com/bananirou/streambet/backend/server"
	"github.com/bananirou/streambet/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if len(cfg.AdminUsers) == 0 {
		slog.Warn("ADMIN_USERS not set; nobody can manage predictions")
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("streambet", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) with embedded-SQL fallback for
	// deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Seed the ledger from the persistence gateway; in-memory state is authoritative
	// from here on.
	store := db.NewStore(database)
	ledger := points.NewLedger()
	balances, err := store.LoadAllPoints(ctx)
	if err != nil {
		slog.Error("failed to load points", slog.Any("err", err))
		os.Exit(1)
	}
	ledger.Seed(balances)
	ledger.StartPersister(ctx, store)
	slog.Info("ledger seeded", slog.Int("users", len(balances)))

	hub := server.NewHub(cfg, ledger, predict.NewMachine(), store, store)

	// Chat auth bridge: resolves challenge tokens posted into the channel's chat.
	go chat.StartAuthBridge(ctx, cfg, hub.HandleChatMessage)

	// Scheduled events: periodic grants to online users and ledger snapshots.
	go hub.Run(ctx)

	// HTTP server (websocket endpoint, health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, hub, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
