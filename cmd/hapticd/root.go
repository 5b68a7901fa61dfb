package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/haptics/internal/config"
	"github.com/zeusync/haptics/internal/core/haptics"
	"github.com/zeusync/haptics/internal/core/observability/log"
	"github.com/zeusync/haptics/internal/injector"
)

const (
	shutdownTimeout = 5 * time.Second
	superviseEvery  = 100 * time.Millisecond
)

type rootOptions struct {
	configPath string
	logLevel   string
	simulate   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "hapticd",
		Short: "Force-feedback control loop for a single haptic device",
		Long: `hapticd acquires a haptic device, renders a rigid sphere against the device tip
and streams the tip position to display clients over websocket.

SIGINT or SIGTERM stops the loop, commands zero force and closes the device.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error, silent")
	flags.BoolVar(&opts.simulate, "simulate", false, "use the simulated device driver")

	cmd.AddCommand(newDevicesCmd(opts))

	return cmd
}

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices the configured driver can see",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			driver, err := injector.ProvideDriver(cfg)
			if err != nil {
				return err
			}
			infos, err := driver.Enumerate()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "INDEX\tMODEL\tMANUFACTURER\tMAX FORCE (N)")
			for _, info := range infos {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\n", info.Index, info.ModelName, info.Manufacturer, info.MaxForce)
			}
			return w.Flush()
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.simulate {
		cfg.Device.Driver = config.DriverSim
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	app, err := injector.InitializeApp(cfg)
	if err != nil {
		return err
	}
	logger := app.Logger.Named("hapticd")
	defer func() { _ = app.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := app.Controller
	if cfg.Telemetry.Enabled {
		sub, err := app.Feed.ObserveState(app.Events)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Cancel() }()
	}

	controller.Start()
	defer controller.Stop()

	if err := controller.WaitReady(ctx, cfg.Readiness.Timeout); err != nil {
		switch {
		case errors.Is(err, haptics.ErrInitializationTimeout):
			logger.Error("Haptic device did not become ready", log.Duration("timeout", cfg.Readiness.Timeout), log.Error(err))
		case errors.Is(err, haptics.ErrLoopStopped):
			logger.Error("Haptics loop stopped during initialization", log.Error(err))
		default:
			logger.Info("Interrupted before the device was ready")
			return nil
		}
		return err
	}

	controller.SetSphereProperties(cfg.Sphere.Center, cfg.Sphere.Radius)
	logger.Info("Haptics running",
		log.Float64s("sphere_center", cfg.Sphere.Center.Slice()...),
		log.Float64("sphere_radius", cfg.Sphere.Radius))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.Enabled {
		srv := &http.Server{
			Addr:              cfg.Telemetry.Addr,
			Handler:           app.Feed.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Telemetry listening", log.String("addr", cfg.Telemetry.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			return app.Feed.Run(gctx)
		})
	}

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, controller, logger, cfg.StatsInterval)
			return nil
		})
	}

	g.Go(func() error {
		return supervise(gctx, controller)
	})

	err = g.Wait()

	logger.Info("Shutting down")
	controller.Stop()
	return err
}

// supervise returns an error if the control loop ends without being asked to.
func supervise(ctx context.Context, controller *haptics.Controller) error {
	ticker := time.NewTicker(superviseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if controller.IsRunning() {
				continue
			}
			if err := controller.Err(); err != nil {
				return fmt.Errorf("%w: %w", haptics.ErrLoopStopped, err)
			}
			return haptics.ErrLoopStopped
		}
	}
}

func reportStats(ctx context.Context, controller *haptics.Controller, logger log.Log, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := controller.Stats()
			rate := float64(stats.Iterations-last) / every.Seconds()
			last = stats.Iterations
			logger.Info("Loop stats",
				log.String("run_id", stats.RunID),
				log.Uint64("iterations", stats.Iterations),
				log.Float64("rate_hz", rate),
				log.Uint64("read_faults", stats.ReadFaults),
				log.Uint64("write_faults", stats.WriteFaults),
				log.Uint64("dropped_events", stats.DroppedEvents),
				log.Float64s("position", controller.DevicePosition().Slice()...))
		}
	}
}
