package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/bridge"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Share one serial radio with many TCP clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("listen") {
			cfg.Bridge.Listen, _ = f.GetString("listen")
		}
		if f.Changed("serial") {
			cfg.Bridge.Serial, _ = f.GetString("serial")
		}
		if f.Changed("baud") {
			cfg.Bridge.Baud, _ = f.GetInt("baud")
		}
		if f.Changed("metrics-addr") {
			cfg.Bridge.MetricsAddr, _ = f.GetString("metrics-addr")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		b := bridge.New(bridge.Config{
			Listen:         cfg.Bridge.Listen,
			ReconnectDelay: cfg.Bridge.ReconnectDelay.Duration,
		}, bridge.SerialOpener(cfg.Bridge.Serial, cfg.Bridge.Baud, transport.DefaultSerialReadTimeout), log)

		log.Info("bridge starting",
			zap.String("listen", cfg.Bridge.Listen),
			zap.String("serial", cfg.Bridge.Serial),
			zap.Int("baud", cfg.Bridge.Baud),
		)
		tasks := []func(context.Context) error{b.Run}
		if cfg.Bridge.MetricsAddr != "" {
			tasks = append(tasks, func(ctx context.Context) error {
				return serveMetrics(ctx, cfg.Bridge.MetricsAddr)
			})
		}
		return runAll(ctx, tasks...)
	},
}

func init() {
	bridgeCmd.Flags().String("listen", "", "TCP listen address (host:port)")
	bridgeCmd.Flags().String("serial", "", "serial device path")
	bridgeCmd.Flags().Int("baud", 0, "serial baud rate")
	bridgeCmd.Flags().String("metrics-addr", "", "serve /metrics on this address")
	rootCmd.AddCommand(bridgeCmd)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx) //nolint:errcheck
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
