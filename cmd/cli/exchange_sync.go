package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// exchangeSyncCmd is a black-box collaborator shim: exchange-rate sync is
// treated as an external process per spec §1/§2.6, invoked here only so
// the full CLI surface is scriptable from one binary.
var exchangeSyncCmd = &cobra.Command{
	Use:   "exchange-sync",
	Short: "Trigger the external exchange-rate sync collaborator (black box)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("exchange-sync: not implemented — external collaborator")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exchangeSyncCmd)
}
