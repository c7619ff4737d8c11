package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/linkflow/agentflow/internal/execution/pool"
	"github.com/linkflow/agentflow/internal/frontend"
	"github.com/linkflow/agentflow/internal/version"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow API, gRPC health and metrics",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for running workflows to finish on shutdown")
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Logging, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("starting agentflow",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Runs outlive the signal so they can finish during shutdown.
	runs := pool.New(pool.Config{
		Workers:   cfg.Engine.RunWorkers,
		QueueSize: cfg.Engine.RunQueueSize,
	}, logger)
	if err := runs.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	httpServer := frontend.NewServer(frontend.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BodyLimit:    cfg.Server.BodyLimit,
		APIKey:       cfg.Server.APIKey,
	}, frontend.Options{
		Executor: a.executor,
		Pool:     runs,
		Store:    a.store,
		Workers:  a.connector,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	grpcServer := frontend.NewGRPCServer(cfg.GRPC.Address, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Listen)
	g.Go(grpcServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		errs = append(errs, httpServer.Shutdown(shutdownTimeout))
		grpcServer.Shutdown()
		errs = append(errs, runs.Stop(shutdownCtx))
		errs = append(errs, a.Close(shutdownCtx))
		return errors.Join(errs...)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agentflow stopped")
	return nil
}
