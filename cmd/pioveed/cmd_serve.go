package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"piovee/internal/blob"
	"piovee/internal/config"
	"piovee/internal/engine"
	"piovee/internal/httpapi"
	"piovee/internal/infra/persistence/memory"
	"piovee/internal/infra/persistence/postgres"
	"piovee/internal/infra/persistence/sqlite"
	"piovee/internal/pubsub"
	"piovee/pkg/domain"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mosaic daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.OpenDriver(ctx, blob.Driver(cfg.Blob.Driver), cfg.Blob.FSRoot)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	store, closeStore, err := openMetadataStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer closeStore()

	bus := pubsub.NewInProcessBus(pubsub.WithLogger(logger))
	defer bus.Close()

	eng := engine.New(store, bus, engine.WithLogger(logger))
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.PollSchedule, func() { eng.Trigger() }); err != nil {
		return fmt.Errorf("poll schedule %q: %w", cfg.PollSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           httpapi.NewServer(eng, store, blobs, bus, httpapi.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func openMetadataStore(ctx context.Context, cfg config.Config) (domain.MetadataStore, func(), error) {
	switch cfg.Metadata.Driver {
	case "sqlite", "":
		s, err := sqlite.New(cfg.Metadata.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Metadata.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown metadata driver %s", cfg.Metadata.Driver)
	}
}
