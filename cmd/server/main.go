package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/spoolrelay/internal/api"
	"github.com/andresuchdata/spoolrelay/internal/cache"
	"github.com/andresuchdata/spoolrelay/internal/config"
	"github.com/andresuchdata/spoolrelay/internal/repository"
	"github.com/andresuchdata/spoolrelay/internal/repository/postgres"
	"github.com/andresuchdata/spoolrelay/internal/service"
	"github.com/andresuchdata/spoolrelay/internal/spool"
	"github.com/andresuchdata/spoolrelay/internal/storage"
	"github.com/andresuchdata/spoolrelay/internal/sweep"
	"github.com/andresuchdata/spoolrelay/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:   "spoolrelay",
		Usage:  "Relay multipart uploads to object storage through a local spool",
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP upload relay",
				Action: runServe,
			},
			{
				Name:  "sweep",
				Usage: "Remove spool artifacts left behind by failed relays",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "older-than",
						Usage:   "Also remove any spool file not modified for this long (0 disables)",
						Value:   24 * time.Hour,
						EnvVars: []string{"SWEEP_OLDER_THAN"},
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of concurrent removals",
						Value: 4,
					},
				},
				Action: runSweep,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("spoolrelay failed")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Server.LogFormat == "json" {
		logger.UseJSON(os.Stderr)
	}
	logger.SetLevel(cfg.Server.LogLevel)
	return cfg, nil
}

func newSpool(cfg *config.Config) (*spool.Spool, error) {
	return spool.New(spool.Options{
		Dir:        cfg.Spool.Dir,
		BufferSize: cfg.Spool.BufferSize,
		Namespace:  cfg.Spool.Namespace,
	})
}

func newLedger(ctx context.Context, cfg *config.Config) (repository.TransferRepository, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		ledger, err := cache.NewTransferLedger(cfg.Cache, cfg.Ledger.TTLSeconds)
		if err != nil {
			return nil, err
		}
		return ledger, nil
	case "postgres":
		db, err := postgres.NewDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewTransferRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return repository.NewNoopTransferRepository(), nil
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, storage.Config{
		Backend:   cfg.Store.Backend,
		Endpoint:  cfg.Store.Endpoint,
		Region:    cfg.Store.Region,
		Bucket:    cfg.Store.Bucket,
		AccessKey: cfg.Store.AccessKey,
		SecretKey: cfg.Store.SecretKey,
		UseSSL:    cfg.Store.UseSSL,
		PathStyle: cfg.Store.PathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	sp, err := newSpool(cfg)
	if err != nil {
		return err
	}

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize transfer ledger: %w", err)
	}
	defer ledger.Close()

	relay := service.NewRelayService(store, sp, ledger, service.RelayOptions{
		KeyPrefix:     cfg.Store.KeyPrefix,
		KeepOnFailure: cfg.Spool.KeepOnFailure,
		MaxConcurrent: cfg.Upload.MaxConcurrent,
	})

	router := api.NewRouter(&api.Services{Relay: relay}, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodySize:    cfg.Upload.MaxBodySize,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Log.Info().
			Str("port", cfg.Server.Port).
			Str("backend", cfg.Store.Backend).
			Str("bucket", store.Bucket()).
			Str("spool", sp.Dir()).
			Str("max_body", humanize.IBytes(uint64(cfg.Upload.MaxBodySize))).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Log.Info().Msg("Server exiting")
	return nil
}

func runSweep(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := c.Context

	sp, err := newSpool(cfg)
	if err != nil {
		return err
	}
	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize transfer ledger: %w", err)
	}
	defer ledger.Close()

	report, err := sweep.NewSweeper(sp, ledger, c.Int("workers")).Run(ctx, c.Duration("older-than"))
	if err != nil {
		return err
	}
	logger.Log.Info().
		Int("leaked", report.Leaked).
		Int("orphans", report.Orphans).
		Int("removed", report.Removed).
		Int("failed", report.Failed).
		Str("freed", humanize.IBytes(uint64(report.Bytes))).
		Msg("Sweep complete")
	if report.Failed > 0 {
		return fmt.Errorf("%d spool artifacts could not be removed", report.Failed)
	}
	return nil
}
