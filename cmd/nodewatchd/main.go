// nodewatchd refreshes the node history on a fixed interval and serves
// metrics and the read-only node API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/nodewatch/internal/controller"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/loader"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/scheduler"
	"github.com/xtxerr/nodewatch/internal/server"
	"github.com/xtxerr/nodewatch/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nodewatchd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "nodewatch.yaml", "config file path")
	listen := flag.String("listen", "", "metrics/API listen address (overrides config, \"off\" disables)")
	storePath := flag.String("store", "", "historical store path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	once := flag.Bool("once", false, "refresh once and exit")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = loader.DefaultConfig()
		cfg.ApplyEnv()
	}

	// CLI overrides
	if *listen != "" {
		cfg.Metrics.Listen = *listen
	}
	if cfg.Metrics.Listen == "off" {
		cfg.Metrics.Listen = ""
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("nodewatchd")
	log.Info("starting", "version", Version, "config", *cfgPath)

	// =========================================================================
	// Controller
	// =========================================================================

	tr, err := loader.NewTransport(cfg)
	if err != nil {
		return err
	}
	store, err := loader.NewStore(cfg)
	if err != nil {
		return err
	}
	session := transport.NewSession(loader.ToCredentials(&cfg.Credentials))
	ctrl, err := controller.New(tr, store, session,
		controller.WithFetchTimeout(cfg.Refresh.Interval.Duration()))
	if err != nil {
		return err
	}

	log.Info("controller ready",
		"session_id", session.ID,
		"store", store.Path(),
		"format", store.Format(),
		"retention", store.Retention())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		_, _, err := ctrl.Refresh(ctx)
		return err
	}

	// =========================================================================
	// Refresh loop and HTTP server
	// =========================================================================

	var srv *server.Server
	if cfg.Metrics.Listen != "" {
		srv, err = server.New(server.Config{Controller: ctrl, Listen: cfg.Metrics.Listen})
		if err != nil {
			return err
		}
	}

	sched, err := scheduler.New(scheduler.Config{Interval: cfg.Refresh.Interval.Duration()},
		func(ctx context.Context) error {
			_, _, err := ctrl.Refresh(ctx)
			if err == nil && srv != nil {
				srv.SetReady(true)
			}
			return err
		})
	if err != nil {
		return err
	}

	// SIGHUP requests an immediate refresh.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				log.Info("refresh requested")
				sched.Trigger()
			}
		}
	})
	if srv != nil {
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	st := sched.Stats()
	log.Info("stopped", "runs", st.Runs, "failures", st.Failures)
	return nil
}
