package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/logger"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	addr  string
	watch bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Server.Addr = opts.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, rootOpts.ConfigPath, opts.watch)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload downstream URL, import actions and log level when the config file changes")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string, watch bool) error {
	log := logger.L
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close record store", "error", err)
		}
	}()

	handler, err := a.handler(cfg, log)
	if err != nil {
		return err
	}

	if watch && configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(r config.Reloadable) { a.applyReload(r, log) }, log)
		if err != nil {
			log.Warn("config hot reload disabled", "path", configPath, "error", err)
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("relaycrm listening", "addr", cfg.Server.Addr, "backend", a.store.Backend())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
