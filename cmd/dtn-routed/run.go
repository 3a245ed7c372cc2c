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

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/inos_dtn/internal/config"
	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
	"github.com/nmxmxh/inos_dtn/internal/lifecycle"
	"github.com/nmxmxh/inos_dtn/internal/logging"
	"github.com/nmxmxh/inos_dtn/internal/routing/engine"
	"github.com/nmxmxh/inos_dtn/internal/storage/memory"
)

const shutdownTimeout = 30 * time.Second

type runFlags struct {
	configPath string
	eid        string
	stateDir   string
	logLevel   string
	metrics    string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the routing daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	bindRunFlags(cmd, &f)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&f.eid, "eid", "", "local endpoint id, overrides node.eid")
	cmd.Flags().StringVar(&f.stateDir, "state-dir", "", "state directory, overrides persistence.dir")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level, overrides logging.level")
	cmd.Flags().StringVar(&f.metrics, "metrics-listen", "", "metrics address, overrides metrics.listen")
}

// loadConfig reads the file if one is given and applies explicit flags on
// top of it.
func loadConfig(cmd *cobra.Command, f runFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		data, err := os.ReadFile(f.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
		// validation waits until the flags are applied
		if cfg, err = config.Decode(data); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("eid") {
		cfg.Node.EID = dtn.EID(f.eid)
	}
	if flags.Changed("state-dir") {
		cfg.Persistence.Dir = f.stateDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen = f.metrics
		cfg.Metrics.Enabled = f.metrics != ""
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// daemon holds the wired components of one run.
type daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	bus      *events.LocalBus
	store    *memory.Store
	budget   *memory.Budget
	sink     *memory.Sink
	network  *memory.Network
	engine   *engine.Engine
	registry *prometheus.Registry
}

// newDaemon wires one node onto net. Handshakes to peers not attached to
// net fail and count against their breakers.
func newDaemon(cfg config.Config, logger *slog.Logger, clk clock.Clock, net *memory.Network) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		bus:      events.NewLocalBus(1024, logger),
		network:  net,
		registry: prometheus.NewRegistry(),
	}
	d.store = memory.NewStore(d.bus)
	d.budget = memory.NewBudget(cfg.Node.TransferSlots, d.bus)
	d.sink = memory.NewSink(d.budget, d.bus)
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Index:      d.store,
		Budget:     d.budget,
		Sink:       d.sink,
		Sender:     d.network.Endpoint(cfg.Node.EID),
		Storage:    d.store,
		Bus:        d.bus,
		StateDir:   cfg.Persistence.Dir,
		Clock:      clk,
		Registerer: d.registry,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	d.engine = eng
	d.network.Attach(cfg.Node.EID, eng.HandleHandshake)
	return d, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, logOut, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	logger = logger.With("node", string(cfg.Node.EID))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := lifecycle.NewShutdown(shutdownTimeout, logger)
	shutdown.RegisterFunc("log output", logOut.Close)

	d, err := newDaemon(cfg, logger, clock.New(), memory.NewNetwork())
	if err != nil {
		_ = shutdown.Run(context.Background())
		return err
	}
	shutdown.RegisterFunc("event bus", func() error {
		d.bus.Close()
		return nil
	})
	purges := d.store.HandlePurgeRequests()
	shutdown.RegisterFunc("purge handler", func() error {
		purges.Unsubscribe()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.bus.Run(gctx)
		return nil
	})

	if err := d.engine.Start(gctx); err != nil {
		stop()
		return errors.Join(err, g.Wait(), shutdown.Run(context.Background()))
	}
	shutdown.RegisterFunc("routing engine", d.engine.Stop)

	g.Go(func() error { return d.tick(gctx) })

	if cfg.Metrics.Enabled {
		srv := d.metricsServer()
		g.Go(func() error {
			d.logger.Info("serving metrics", "addr", srv.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		shutdown.Register("metrics server", srv.Shutdown)
	}

	logger.Info("dtn-routed running",
		"strategy", cfg.Forwarding.Strategy,
		"state_dir", cfg.Persistence.Dir,
		"transfer_slots", cfg.Node.TransferSlots)

	<-gctx.Done()
	logger.Info("shutting down", "cause", context.Cause(gctx))

	shutErr := shutdown.Run(context.Background())
	runErr := g.Wait()
	return errors.Join(runErr, shutErr)
}

// tick expires bundles and raises TimeTick on every interval.
func (d *daemon) tick(ctx context.Context) error {
	t := d.clock.Ticker(d.cfg.Node.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if n := d.store.Expire(dtn.TimeOf(now)); n > 0 {
				d.logger.Debug("bundles expired", "count", n)
			}
			d.bus.Queue(events.TimeTick{})
		}
	}
}

func (d *daemon) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Metrics.Path, promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	return &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
