// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the bootavb commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/siderolabs/gen/xerrors"
	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/config"
	"github.com/siderolabs/bootavb/internal/pkg/logging"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

var rootCmdFlags struct {
	config       string
	disk         string
	partitionDir string
	environment  string
	debug        bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:               "bootavb",
	Short:             "Verified boot slot selection and boot flow",
	Long:              ``,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintln(stderr, "error:", err)

	if !isUsageError(err) {
		return ExitFailure
	}

	if cmd == nil {
		cmd = rootCmd
	}

	fmt.Fprintln(stderr)
	fmt.Fprint(stderr, cmd.UsageString())

	return ExitUsage
}

// isUsageError reports malformed input.
//
// Cobra reports unknown commands with plain errors.
func isUsageError(err error) bool {
	return xerrors.TagIs[avb.UsageError](err) || strings.HasPrefix(err.Error(), "unknown command")
}

// exactArgs is cobra.ExactArgs with the usage error tag.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return xerrors.NewTaggedf[avb.UsageError]("%q accepts %d arg(s), received %d", cmd.CommandPath(), n, len(args))
		}

		return nil
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(rootCmdFlags.config, !cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}

	// the flags replace the storage backend of the config file
	if rootCmdFlags.disk != "" || rootCmdFlags.partitionDir != "" {
		cfg.Disk, cfg.PartitionDir = rootCmdFlags.disk, rootCmdFlags.partitionDir
	}

	if rootCmdFlags.environment != "" {
		cfg.Environment = rootCmdFlags.environment
	}

	return cfg, nil
}

// WithDevice opens the configured device for the duration of the action.
func WithDevice(cmd *cobra.Command, action func(ctx context.Context, d *bootavb.Device) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cmd.ErrOrStderr(), rootCmdFlags.debug)

	d, err := bootavb.Open(cfg, logger)
	if err != nil {
		return err
	}

	//nolint:errcheck
	defer d.Close()

	return action(cmd.Context(), d)
}

func addCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.config, "config", config.DefaultPath, "The path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.disk, "disk", "", "The disk (or disk image) holding the partitions")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.partitionDir, "partition-dir", "", "The directory holding <partition>.img files")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.environment, "env", "", "The path to the bootloader environment file")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.debug, "debug", false, "Enable debug logging")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return xerrors.NewTaggedf[avb.UsageError]("%w", err)
	})
}
