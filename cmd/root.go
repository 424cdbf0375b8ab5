package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zpool/internal/config"
	"github.com/deploymenttheory/go-zpool/internal/logging"
	"github.com/deploymenttheory/go-zpool/pkg/app"
)

var (
	// Global flags
	verbose      bool
	quiet        bool
	outputFormat string
	configPath   string
	timeout      time.Duration

	appCtx *app.Context
)

var rootCmd = &cobra.Command{
	Use:   "zpool",
	Short: "Create, inspect and drive copy-on-write storage pools",
	Long: `zpool manages copy-on-write storage pools built from files or block
devices arranged as mirrors and single-parity raidz groups.

Every change lands in a transaction group (txg). Syncing a txg writes its
blocks, flushes the devices and publishes a new uberblock to the labels,
so a pool always reopens at its last published txg.

Commands:
  create    Create a pool from a vdev config document
  status    Show the vdev tree, state and space of a pool
  sync      Write into a dataset and drive txgs
  labels    Dump the labels and uberblocks of one device`,
	Version:           "0.1.0-dev",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// An interrupt cancels the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// reportError prints err through the command context, or a default one
// when the command failed before setup ran.
func reportError(err error) {
	ctx := appCtx
	if ctx == nil {
		ctx = app.NewContext()
	}
	ctx.Error(err.Error())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output and debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "give up on the command after this long (0 for no limit)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "tunables file (default: zpool-config.yaml in ., ./config, $HOME/.zpool, /etc/zpool)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// setup loads the tunables and builds the command context.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	switch {
	case verbose:
		log.SetLevel(logrus.DebugLevel)
	case quiet:
		log.SetLevel(logrus.ErrorLevel)
	}

	appCtx = app.NewContext()
	appCtx.Context = cmd.Context()
	appCtx.OutputFormat = outputFormat
	appCtx.Verbose = verbose
	appCtx.Quiet = quiet
	appCtx.Config = cfg
	appCtx.Logger = log
	appCtx.Stdout = cmd.OutOrStdout()
	appCtx.Stderr = cmd.ErrOrStderr()
	appCtx.Timeout = timeout
	return nil
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
