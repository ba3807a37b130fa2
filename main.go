// Command streamherald is the main entrypoint for the live-announcement bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Discord session and registers the slash-command surface.
//   - Starts the reconciliation loop that polls Twitch for tracked channels and
//     fans announcements out to subscribing guilds.
//   - Exposes a minimal HTTP server with /healthz, /status, /metrics, and admin
//     tick/cleanup endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamherald/config"
	"github.com/onnwee/streamherald/db"
	"github.com/onnwee/streamherald/discord"
	"github.com/onnwee/streamherald/fanout"
	"github.com/onnwee/streamherald/livestate"
	"github.com/onnwee/streamherald/reconciler"
	"github.com/onnwee/streamherald/registry"
	"github.com/onnwee/streamherald/server"
	"github.com/onnwee/streamherald/telemetry"
	"github.com/onnwee/streamherald/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("missing required credentials", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamherald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Discord session
	session, err := discord.Open(cfg.DiscordToken)
	if err != nil {
		slog.Error("discord open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("failed to close discord session", slog.Any("err", err))
		}
	}()

	// Engine wiring
	reg := registry.New(database)
	store := livestate.NewStore()
	statusClient := &twitchapi.StatusClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}
	manager := fanout.NewManager(store, reg, discord.NewAnnouncer(session), database, cfg.QuietWindow, cfg.ViewerDelta)

	// Re-adopt announcements persisted by a previous process so the first tick
	// edits or deletes them instead of double-announcing.
	if handles, err := db.ListAnnouncements(ctx, database); err != nil {
		slog.Warn("could not load persisted announcements", slog.Any("err", err))
	} else {
		for _, a := range handles {
			manager.Adopt(a.ChannelLogin, a.GuildID, a.DiscordChannelID, a.MessageID)
		}
		if len(handles) > 0 {
			slog.Info("re-adopted persisted announcements", slog.Int("count", len(handles)))
		}
	}

	rec := reconciler.New(statusClient, reg, manager, store)
	rec.Interval = cfg.PollInterval
	rec.StaleMaxAge = cfg.StaleMaxAge
	rec.StatusTimeout = cfg.StatusTimeout

	if err := discord.RegisterCommands(session, cfg.DiscordDevGuildID, &discord.Commands{Registry: reg, Reconciler: rec}); err != nil {
		slog.Error("slash command registration failed", slog.Any("err", err))
		os.Exit(1)
	}

	go rec.Run(ctx)

	// HTTP server (health/status/metrics/admin)
	go func() {
		if err := server.Start(ctx, database, rec, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
