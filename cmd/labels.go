package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zpool/pkg/app/pool"
)

var labelsCmd = &cobra.Command{
	Use:   "labels [device]",
	Short: "Dump the labels and uberblocks of one device",
	Long: `Read the four label copies of a device and report which are valid, the
pool they name and the txgs of the uberblocks in each ring.

Examples:
  zpool labels /var/pools/a.img
  zpool labels -o yaml /dev/sdb`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := appCtx.Bounded()
		defer cancel()
		resp, err := pool.HandleLabels(ctx, &pool.LabelsRequest{Device: args[0]})
		if err != nil {
			return err
		}
		return pool.FormatLabels(cmd.OutOrStdout(), resp, appCtx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}
