package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zpool/pkg/app"
	"github.com/deploymenttheory/go-zpool/pkg/app/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status [device...]",
	Short: "Show the vdev tree, state and space of a pool",
	Long: `Open the pool found on the given devices and print its vdev tree with
per-device state and error counters, the txg it opened at and its space.

Devices that moved since the pool was last written are found by guid, so
any path to each device will do.

Examples:
  zpool status /var/pools/a.img /var/pools/b.img
  zpool status -o json /dev/sdb /dev/sdc`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := appCtx.Bounded()
		defer cancel()
		resp, err := pool.HandleStatus(ctx, &pool.StatusRequest{Devices: app.DeviceSet(args)})
		if err != nil {
			return err
		}
		return pool.FormatStatus(cmd.OutOrStdout(), resp, appCtx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
