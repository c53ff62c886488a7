package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rivet-ci/rivet/server"
	"github.com/rivet-ci/rivet/storage"
)

type Server struct {
	Port          int           `default:"8080"              env:"PORT"         help:"Port to run the orchestrator on"`
	Storage       string        `default:"sqlite://rivet.db" env:"DATABASE_URL" help:"Storage DSN (e.g. 'sqlite://rivet.db')"`
	SweepInterval time.Duration `default:"60s"               help:"How often to look for runners that stopped heartbeating"`
	OfflineAfter  time.Duration `default:"90s"               help:"Heartbeat age after which a runner is marked Offline"`
}

// shutdownGrace bounds how long in-flight requests get to finish once the
// process is asked to stop.
const shutdownGrace = 10 * time.Second

func (c *Server) Run(logger *slog.Logger) error {
	ctx, cancel := signalContext(logger)
	defer cancel()

	return c.RunContext(ctx, logger)
}

// RunContext serves the orchestrator API and the runner sweep loop until ctx
// is cancelled, then drains in-flight requests.
func (c *Server) RunContext(ctx context.Context, logger *slog.Logger) error {
	initStorage, found := storage.GetFromDSN(c.Storage)
	if !found {
		return fmt.Errorf("could not get storage driver: %w", errors.ErrUnsupported)
	}

	store, err := initStorage(c.Storage, logger)
	if err != nil {
		return fmt.Errorf("could not create storage client: %w", err)
	}
	defer func() { _ = store.Close() }()

	logger = logger.WithGroup("server").With("port", c.Port)

	router := server.NewRouter(logger, store)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("server.start", "storage", c.Storage)

		err := router.Start(fmt.Sprintf(":%d", c.Port))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not start server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(c.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				count, err := store.MarkStaleRunnersOffline(groupCtx, c.OfflineAfter)
				if err != nil {
					logger.Error("runner.sweep.failed", "err", err)

					continue
				}

				if count > 0 {
					logger.Info("runner.sweep", "offline", count, "older_than", c.OfflineAfter)
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		logger.Info("server.shutdown")

		err := router.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("could not shut down server: %w", err)
		}

		return nil
	})

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	return nil
}
