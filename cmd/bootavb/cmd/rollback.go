// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/config"
)

// readRollbackCmd represents the `read_rollback` command.
var readRollbackCmd = &cobra.Command{
	Use:   "read_rollback <location>",
	Short: "Print the stored rollback index",
	Long:  `The location is given in hex, the index is printed in hex.`,
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location, err := parseLocation(args[0])
		if err != nil {
			return err
		}

		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			index, err := d.Secure.ReadRollbackIndex(location)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "out_rollback_index = %x\n", index)

			return nil
		})
	},
}

// writeRollbackCmd represents the `write_rollback` command.
var writeRollbackCmd = &cobra.Command{
	Use:   "write_rollback <location> <index>",
	Short: "Store the rollback index",
	Long:  `Both the location and the index are given in hex.`,
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		location, err := parseLocation(args[0])
		if err != nil {
			return err
		}

		index, err := config.ParseHex(args[1])
		if err != nil {
			return err
		}

		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			if err := d.Secure.WriteRollbackIndex(location, index); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Write rollback index successfully.")

			return nil
		})
	},
}

func init() {
	addCommand(readRollbackCmd)
	addCommand(writeRollbackCmd)
}
