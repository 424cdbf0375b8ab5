package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zpool/pkg/app"
	"github.com/deploymenttheory/go-zpool/pkg/app/pool"
)

var (
	syncDataset     string
	syncBytes       string
	syncRecordSize  string
	syncTxgs        int
	syncMetricsAddr string
)

var syncCmd = &cobra.Command{
	Use:   "sync [device...]",
	Short: "Write into a dataset and drive txgs",
	Long: `Open the pool found on the given devices, write into a dataset in each of
a number of txgs and sync every one. The dataset is created if needed.

Examples:
  # Write 8MiB in each of 10 txgs
  zpool sync a.img b.img --dataset tank/data --bytes 8MiB --txgs 10

  # Give up after five minutes
  zpool sync a.img b.img --dataset tank/data --txgs 1000 --timeout 5m

  # Serve pool metrics while the run lasts
  zpool sync a.img b.img --dataset tank/data --txgs 100 --metrics-addr :9100`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncDataset, "dataset", "d", "", "dataset to write into, as pool/name (required)")
	syncCmd.Flags().StringVarP(&syncBytes, "bytes", "b", "1MiB", "bytes to write in each txg")
	syncCmd.Flags().StringVar(&syncRecordSize, "record-size", "128KiB", "largest block written")
	syncCmd.Flags().IntVarP(&syncTxgs, "txgs", "n", 1, "number of txgs to drive")
	syncCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	_ = syncCmd.MarkFlagRequired("dataset")
}

func runSync(cmd *cobra.Command, devices []string) error {
	ctx, cancel := appCtx.Bounded()
	defer cancel()
	if ctx.Verbose {
		ctx.SetProgress(func(u app.ProgressUpdate) {
			fmt.Fprintln(cmd.ErrOrStderr(), u.String())
		})
	}
	resp, err := pool.HandleSync(ctx, &pool.SyncRequest{
		Devices:     app.DeviceSet(devices),
		Dataset:     syncDataset,
		Bytes:       syncBytes,
		RecordSize:  syncRecordSize,
		Txgs:        syncTxgs,
		MetricsAddr: syncMetricsAddr,
	})
	if err != nil {
		return err
	}
	if appCtx.Quiet {
		return nil
	}
	return pool.FormatSync(cmd.OutOrStdout(), resp, appCtx.OutputFormat)
}
