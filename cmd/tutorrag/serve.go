package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/perbu/tutorrag/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		c, err := a.cascade()
		if err != nil {
			return err
		}

		addr := a.cfg.Server.Addr
		if flagAddr != "" {
			addr = flagAddr
		}
		deps := server.Deps{Search: a.engine, Ask: c, Ingest: a.pipeline, Catalog: a.catalog(), Gatherer: a.registry}
		if a.usage != nil {
			deps.Usage = a.usage
		}
		srv, err := server.New(deps, a.logger, server.Config{
			Addr:            addr,
			SearchLimit:     a.cfg.Search.Limit,
			SearchThreshold: a.cfg.Search.Threshold,
		})
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("shutdown failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
