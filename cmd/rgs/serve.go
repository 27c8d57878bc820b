package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/api"
	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/heartbeat"
	"github.com/uorocketry/rgs-sub000/internal/ingest"
	"github.com/uorocketry/rgs-sub000/internal/state"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

const ingestService = "telemetry-ingest"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Store telemetry from the gateway and serve the REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("gateway") {
			cfg.Ingest.Gateway, _ = f.GetString("gateway")
		}
		if f.Changed("listen") {
			cfg.API.Listen, _ = f.GetString("listen")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		noIngest, _ := f.GetBool("no-ingest")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		nodes, err := state.New(ctx, db)
		if err != nil {
			return err
		}
		bus := gateway.NewEventBus(256)
		id := heartbeat.NewIdentity(ingestService)

		h := api.NewRouter(api.Deps{
			DB:     db,
			Nodes:  nodes,
			Bus:    bus,
			Source: "rgs-api",
			Log:    log,
		})

		tasks := []func(context.Context) error{
			func(ctx context.Context) error { return api.ListenAndServe(ctx, cfg.API.Listen, h, log) },
			heartbeat.NewStatusReporter(db, id, cfg.Heartbeat.StatusInterval.Duration, "Running (serving)", log).Run,
		}
		if !noIngest {
			ing := ingest.New(ingest.Config{
				BatchSize:    cfg.Ingest.BatchSize,
				BatchTimeout: cfg.Ingest.BatchTimeout.Duration,
			}, db, nodes, bus, log)
			dial := ingest.DialGateway(cfg.Ingest.Gateway, transport.DefaultTCPReadTimeout, log)
			tasks = append(tasks, func(ctx context.Context) error { return ing.Run(ctx, dial) })
		}

		log.Info("serve starting",
			zap.String("instance", id.InstanceID),
			zap.String("api", cfg.API.Listen),
			zap.String("gateway", cfg.Ingest.Gateway),
			zap.Bool("ingest", !noIngest),
		)
		err = runAll(ctx, tasks...)
		if ferr := nodes.Flush(context.WithoutCancel(ctx)); ferr != nil {
			log.Warn("final node flush", zap.Error(ferr))
		}
		return err
	},
}

func init() {
	serveCmd.Flags().String("gateway", "", "connection string to read telemetry from")
	serveCmd.Flags().String("listen", "", "API listen address (host:port)")
	serveCmd.Flags().Bool("no-ingest", false, "serve the API only")
	rootCmd.AddCommand(serveCmd)
}
