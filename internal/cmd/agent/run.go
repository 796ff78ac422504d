package agentrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/runtime"
	httpserver "github.com/rzbill/courier/internal/server/http"
	"github.com/rzbill/courier/internal/transport"
	logpkg "github.com/rzbill/courier/pkg/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Config cfgpkg.Config
	// Driver replaces the configured transport.
	Driver transport.Driver
	// ShutdownTimeout bounds the final flush. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Run starts the pipeline and blocks until ctx is cancelled or a signal
// arrives. Pending batches are flushed into the outbox before it returns.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
			lvl = l
		}
		logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	// Pebble and kafka-go log through the standard library
	logpkg.RedirectStdLog(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger, Driver: opts.Driver})
	if err != nil {
		return err
	}

	logger.Info("starting courier agent",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("transport", cfg.Transport.Kind),
		logpkg.Str("status", cfg.StatusAddr),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
		logpkg.Int("page_size", cfg.Drain.PageSize),
		logpkg.Int("max_entries", cfg.Outbox.MaxEntries),
	)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return rt.Run(gctx) })

	var hsrv *httpserver.Server
	if cfg.StatusAddr != "" {
		hsrv = httpserver.New(rt, logger)
		g.Go(func() error {
			if err := hsrv.ListenAndServe(gctx, cfg.StatusAddr); err != nil && gctx.Err() == nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	if hsrv != nil {
		hsrv.Close()
	}

	cctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := rt.Close(cctx); err != nil {
		logger.Warn("shutdown incomplete", logpkg.Err(err))
	}
	logger.Info("courier agent stopped")
	return runErr
}
