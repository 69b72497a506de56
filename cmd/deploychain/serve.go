package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artpar/deploychain/internal/shell/api"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored addresses and run history over HTTP",
		Long: `Serve starts the read-only status API for the selected network. Records
are read from what was last flushed, so a running pipeline in another process
shows up step by step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStores(a.cfg, a.cfg.Network)
			if err != nil {
				return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
			}
			defer st.Close()

			if st.journal == nil {
				a.logger.Warn("journal disabled, /runs will return 404")
			}
			if a.cfg.API.Token == "" {
				a.logger.Warn("api.token not set, status API is unauthenticated")
			}

			handler := api.NewHandler(st.records, st.journal, a.cfg.API.Token, a.logger)
			srv := NewServer(a.cfg.API, handler.Routes(), a.logger)
			return srv.Start(cmd.Context())
		},
	}
}

// =============================================================================
// Server
// =============================================================================

// Server wraps the status API HTTP server.
type Server struct {
	config     APIConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server for handler.
func NewServer(cfg APIConfig, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.With("component", "server"),
	}
}

// Start listens and blocks until a signal, ctx is done or serving fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return &CommandError{Op: "listen", Err: err, ExitCode: ExitHTTPServerError}
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &CommandError{Op: "serve", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return &CommandError{Op: "shutdown", Err: err, ExitCode: ExitHTTPServerError}
	}

	s.logger.Info("shutdown complete")
	return nil
}
