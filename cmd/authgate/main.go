package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/openmc/authgate/internal/auth"
	"github.com/openmc/authgate/internal/commands"
	"github.com/openmc/authgate/internal/config"
	"github.com/openmc/authgate/internal/crypto"
	"github.com/openmc/authgate/internal/db"
	"github.com/openmc/authgate/internal/gate"
	"github.com/openmc/authgate/internal/queue"
	"github.com/openmc/authgate/internal/timeout"
	"github.com/openmc/authgate/internal/verify"
)

const ConfigPath = "config/authgate.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("authgate starting")

	// Load config
	cfgPath := ConfigPath
	if p := os.Getenv("AUTHGATE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadGateway(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded",
		"staging", cfg.StagingBackend,
		"main", cfg.MainBackend,
		"auth_timeout", cfg.Security.AuthTimeout(),
		"queue_tick", cfg.Queue.TickInterval())

	// Connect to database
	database, err := db.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	// Run migrations
	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// Credential cipher and store
	cipher, err := crypto.NewCipher(cfg.Security.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("creating credential cipher: %w", err)
	}
	repo := db.NewPostgresUserRepository(database.Pool(), cipher)

	// Identity registry, warmed from the store
	users := auth.NewUserManager(repo)
	if err := users.LoadAll(ctx); err != nil {
		return fmt.Errorf("warming user index: %w", err)
	}
	svc := auth.NewService(users, cfg.Security)

	verifier := verify.New(cfg.Verifier.URL, cfg.Verifier.Timeout())
	timeouts := timeout.NewManager(cfg.Security.AuthTimeout(), cfg.Security.ShowCountdown)

	// Proxy adapter comes from the embedding framework; see proxy.Proxy.
	prox, err := newProxyAdapter(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("attaching proxy adapter: %w", err)
	}

	q := queue.NewManager(users, prox, &cfg)
	gw := gate.New(users, svc, verifier, timeouts, q, prox, &cfg)
	cmdHandler := commands.NewHandler(users, svc, verifier, timeouts, q)

	if err := prox.Bind(gw, cmdHandler); err != nil {
		return fmt.Errorf("binding gateway hooks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting admission queue")
		if err := q.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("admission queue: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := prox.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("proxy adapter: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("gateway error: %w", err)
	}

	return nil
}
