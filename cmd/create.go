package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zpool/pkg/app/pool"
)

var (
	createConfig   string
	createDatasets []string
	createForce    bool
)

var createCmd = &cobra.Command{
	Use:   "create [pool-name]",
	Short: "Create a pool from a vdev config document",
	Long: `Create a new pool over the devices described by a vdev config document
and sync its first txg.

The document is YAML describing either a single top-level vdev or a root
with several:

  type: mirror
  children:
    - type: file
      path: /var/pools/a.img
    - type: file
      path: /var/pools/b.img

Examples:
  # Create a mirrored pool with one dataset
  zpool create tank -c mirror.yaml --dataset tank/data

  # Reuse devices that still carry labels from an old pool
  zpool create tank -c raidz.yaml --force`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreate(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createConfig, "config-file", "c", "", "vdev config document (required)")
	createCmd.Flags().StringSliceVar(&createDatasets, "dataset", nil, "dataset to create with the pool (repeatable)")
	createCmd.Flags().BoolVarP(&createForce, "force", "f", false, "overwrite devices that carry a valid label")
	_ = createCmd.MarkFlagRequired("config-file")
}

func runCreate(cmd *cobra.Command, name string) error {
	ctx, cancel := appCtx.Bounded()
	defer cancel()
	resp, err := pool.HandleCreate(ctx, &pool.CreateRequest{
		Name:       name,
		ConfigPath: createConfig,
		Datasets:   createDatasets,
		Force:      createForce,
	})
	if err != nil {
		return err
	}
	if appCtx.Quiet {
		return nil
	}
	return pool.FormatCreate(cmd.OutOrStdout(), resp, appCtx.OutputFormat)
}
