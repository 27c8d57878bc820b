package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/heartbeat"
)

const heartbeatService = "heartbeat"

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Queue periodic Ping commands and record service liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("interval") {
			d, _ := f.GetDuration("interval")
			cfg.Heartbeat.PingInterval.Duration = d
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		id := heartbeat.NewIdentity(heartbeatService)
		log.Info("heartbeat starting",
			zap.String("instance", id.InstanceID),
			zap.Duration("ping_interval", cfg.Heartbeat.PingInterval.Duration),
		)
		return runAll(ctx,
			heartbeat.NewPingQueuer(db, id.Service, cfg.Heartbeat.PingInterval.Duration, log).Run,
			heartbeat.NewServicePinger(db, id, cfg.Heartbeat.ServicePingInterval.Duration, log).Run,
			heartbeat.NewStatusReporter(db, id, cfg.Heartbeat.StatusInterval.Duration, "Running (queueing pings)", log).Run,
		)
	},
}

func init() {
	heartbeatCmd.Flags().Duration("interval", 0, "Ping command interval")
	rootCmd.AddCommand(heartbeatCmd)
}
