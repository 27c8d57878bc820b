package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uorocketry/rgs-sub000/internal/outbox"
	"github.com/uorocketry/rgs-sub000/internal/radio"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <command-type> [parameters-json]",
	Short: "Queue one command in the outbox",
	Example: `  rgs enqueue DeployDrogue '{"val":true}'
  rgs enqueue RadioRateChange '{"rate":"Fast"}'
  rgs enqueue PowerUpCamera`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params *string
		if len(args) == 2 {
			params = &args[1]
		}
		if _, err := outbox.Resolve(args[0], params, radio.NodeUnspecified); err != nil {
			return fmt.Errorf("%w (known: %v)", err, outbox.CommandTypes())
		}
		source, _ := cmd.Flags().GetString("source")

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.InsertCommand(cmd.Context(), args[0], params, source)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s as command %d\n", args[0], id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("source", "rgs-cli", "source_service recorded on the command")
	rootCmd.AddCommand(enqueueCmd)
}
