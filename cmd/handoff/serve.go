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

	"github.com/spf13/cobra"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve workflows over MCP (stdio or streamable HTTP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.String("transport", transportStdio, "stdio or http")
	f.String("listen-addr", ":4100", "HTTP listen address")
	f.String("workflows-dir", "./workflows", "directory of workflow definition documents")
	_ = opts.v.BindPFlag("transport", f.Lookup("transport"))
	_ = opts.v.BindPFlag("listen_addr", f.Lookup("listen-addr"))
	_ = opts.v.BindPFlag("workflows_dir", f.Lookup("workflows-dir"))
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	// stdout carries the stdio protocol; logs always go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	logger.Info("handoff starting",
		slog.String("version", version),
		slog.String("transport", cfg.Transport),
		slog.String("store", cfg.Store.Driver),
		slog.Int("workflows", a.router.Workflows().Len()))

	if cfg.Transport == transportStdio {
		if err := a.server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio transport: %w", err)
		}
		return nil
	}
	return serveHTTP(ctx, a)
}

func serveHTTP(ctx context.Context, a *app) error {
	var verifier *auth.BearerVerifier
	if a.cfg.Auth.Issuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, a.cfg.Auth.Issuer, a.cfg.Auth.Audience, a.cfg.Auth.Claim)
		if err != nil {
			return err
		}
		verifier = v
	} else if !a.cfg.Store.AllowAnonymous {
		a.logger.Warn("no auth issuer configured and anonymous access disabled; every task request will be rejected")
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           newHTTPHandler(a, verifier),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", slog.String("addr", a.cfg.ListenAddr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", slog.String("error", err.Error()))
		_ = srv.Close()
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
