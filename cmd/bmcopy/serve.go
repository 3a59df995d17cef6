package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brucemcpherson/bm-drive-cloud/internal/logging"
	"github.com/brucemcpherson/bm-drive-cloud/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP copy endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve()
		},
	}
	cmd.Flags().Int("port", 0, "override listening port (default: $PORT, config or 8080)")
	_ = a.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	// PORT is the conventional variable on container platforms.
	_ = a.v.BindEnv("port", "BMCOPY_PORT", "PORT")
	return cmd
}

func (a *app) serve() error {
	logger := logging.Component(a.logger, "server")
	srv, err := server.New(a.cfg, server.WithExecutor(a.executor()), server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bmcopy listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections and wait for in-flight
	// requests up to the shutdown timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		logger.Info("server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
