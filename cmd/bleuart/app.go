package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/groutine"
	"github.com/srg/bleuart/pkg/config"
	"github.com/srg/bleuart/tester"
)

// driverFactory builds the BLE backend. Tests replace it with a mock.
var driverFactory = newDriver

// app holds what every command builds before it runs.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	tester *tester.Tester
}

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Driver = v
	}
	if v, _ := cmd.Flags().GetString("write-policy"); v != "" {
		cfg.WritePolicy = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	drv, err := driverFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s driver: %w", cfg.Driver, err)
	}

	t, err := tester.New(drv, cfg.TesterOptions(logger))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"driver":       cfg.Driver,
		"service":      cfg.ServiceUUID,
		"write_policy": cfg.WritePolicy,
	}).Debug("Tester initialized")

	return &app{cfg: cfg, logger: logger, tester: t}, nil
}

// Close disconnects any session and stops the tester.
func (r *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout+time.Second)
	defer cancel()
	if err := r.tester.Close(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to shut down cleanly")
	}
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM. The
// message, when set, is written once the signal arrives.
func signalContext(parent context.Context, out io.Writer, message string) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	groutine.Go(ctx, "signal-watch", func(ctx context.Context) {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			if message != "" {
				fmt.Fprintf(out, "\n%s\n", message)
			}
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, cancel
}

// unsupportedDriver is returned for drivers not built for this platform.
func unsupportedDriver(name string) error {
	return fmt.Errorf("%w: driver %q is not available on this platform", device.ErrUnsupported, name)
}
