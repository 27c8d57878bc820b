// Command rgs runs the ground-station radio link services: the serial bridge,
// the command dispatcher, telemetry ingest with its API, and the heartbeat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/config"
	"github.com/uorocketry/rgs-sub000/internal/logging"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/store"
)

var version = "dev"

var (
	cfgPath  string
	logLevel string
	devLog   bool

	cfg config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "rgs",
	Short:         "Ground-station radio link services",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
		} else {
			cfg = config.Default()
		}
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("dev") {
			cfg.Log.Dev = devLog
		}
		log, err = logging.New(cfg.Log.Level, cfg.Log.Dev)
		if err != nil {
			return err
		}
		metrics.SetBuildInfo(version)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync() //nolint:errcheck
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable console logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rgs:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openStore opens and migrates the configured database.
func openStore() (*store.DB, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store opened", zap.String("path", cfg.Database.Path))
	return db, nil
}

// runAll runs every fn until ctx is done or one of them fails, then cancels
// the rest and returns the first error.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}(fn)
	}
	wg.Wait()
	return firstErr
}
