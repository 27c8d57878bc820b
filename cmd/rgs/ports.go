package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uorocketry/rgs-sub000/internal/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
