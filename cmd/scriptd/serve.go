package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cryguy/scriptd"
	"github.com/cryguy/scriptd/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the HTTP server and the periodic task scheduler.

SIGHUP reloads the scripts into a new isolate generation; a failed reload is
logged and the current generation keeps serving. SIGINT and SIGTERM drain
in-flight requests and exit.

Example:
  scriptd serve --config scriptd.yaml
  SCRIPTD_ADDR=:8080 scriptd serve --scripts ./scripts`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := newTracerProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing spans", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	rt, err := scriptd.New(ctx, scriptd.Options{
		Config:         cfg,
		Log:            logger,
		TracerProvider: tp,
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("closing runtime", zap.Error(err))
		}
	}()
	rt.Start(ctx)

	handler := rt.Handler()
	if cfg.Server.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	logger.Info("scriptd listening",
		zap.String("addr", ln.Addr().String()),
		zap.Uint64("generation", rt.Generation()),
		zap.Int("routes", len(rt.Routes())),
		zap.Bool("h2c", cfg.Server.H2C))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := rt.Reload(); err != nil {
				logger.Error("reload failed; previous generation still serving", zap.Error(err))
				continue
			}
			logger.Info("reloaded", zap.Uint64("generation", rt.Generation()))

		case err := <-serveErr:
			return err

		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return fmt.Errorf("shutting down http server: %w", err)
			}
			return nil
		}
	}
}
