package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/heartbeat"
	"github.com/uorocketry/rgs-sub000/internal/ingest"
	"github.com/uorocketry/rgs-sub000/internal/linkhealth"
	"github.com/uorocketry/rgs-sub000/internal/outbox"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/state"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

const dispatcherService = "command-dispatcher"

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send queued commands over the radio and measure link RTT",
	Long: `dispatch polls the outgoing command table, encodes each Pending record
and sends it through the gateway. Every poll cycle it also pings the vehicle
and records the round-trip time as service status.

With --ingest, frames drained while looking for pongs are stored as telemetry
instead of being discarded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("gateway") {
			cfg.Dispatcher.Gateway, _ = f.GetString("gateway")
		}
		if f.Changed("target") {
			cfg.Dispatcher.Target, _ = f.GetString("target")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		withIngest, _ := f.GetBool("ingest")
		target, _ := radio.ParseNode(cfg.Dispatcher.Target)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		bus := gateway.NewEventBus(256)
		id := heartbeat.NewIdentity(dispatcherService)

		var (
			fwd linkhealth.Forwarder
			ing *ingest.Ingestor
		)
		if withIngest {
			nodes, err := state.New(ctx, db)
			if err != nil {
				return err
			}
			ing = ingest.New(ingest.Config{
				BatchSize:    cfg.Ingest.BatchSize,
				BatchTimeout: cfg.Ingest.BatchTimeout.Duration,
			}, db, nodes, bus, log)
			fwd = ing
		}

		mon := linkhealth.New(linkhealth.Config{
			PingInterval:   cfg.Link.PingInterval.Duration,
			InflightExpiry: cfg.Link.InflightExpiry.Duration,
			DrainLimit:     cfg.Link.DrainLimit,
			Target:         target,
			InstanceID:     id.InstanceID,
			ServiceName:    id.Service,
			Hostname:       id.Hostname,
		}, db, fwd, bus, log)

		d := outbox.New(outbox.Config{
			PollInterval:   cfg.Dispatcher.PollInterval.Duration,
			ReconnectDelay: cfg.Dispatcher.ReconnectDelay.Duration,
			BatchSize:      cfg.Dispatcher.BatchSize,
			Target:         target,
		}, db,
			outbox.DialGateway(cfg.Dispatcher.Gateway, cfg.Dispatcher.SystemID, cfg.Dispatcher.ComponentID,
				transport.DefaultTCPReadTimeout, log),
			mon, bus, log)

		log.Info("dispatcher starting",
			zap.String("instance", id.InstanceID),
			zap.String("gateway", cfg.Dispatcher.Gateway),
			zap.Stringer("target", target),
			zap.Bool("ingest", withIngest),
		)

		// The monitor owns this instance's status row; it is written on
		// every pong.
		err = d.Run(ctx)
		if ing != nil {
			if ferr := ing.Flush(context.WithoutCancel(ctx)); ferr != nil {
				log.Warn("final telemetry flush", zap.Error(ferr))
			}
		}
		return err
	},
}

func init() {
	dispatchCmd.Flags().String("gateway", "", "connection string, tcpout:<host>:<port> or serial:<device>:<baud>")
	dispatchCmd.Flags().String("target", "", "node that receives commands and pings")
	dispatchCmd.Flags().Bool("ingest", false, "store telemetry drained from the link")
	rootCmd.AddCommand(dispatchCmd)
}
