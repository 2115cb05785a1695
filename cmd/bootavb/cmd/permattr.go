// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
)

// permAttrTestCmd represents the `perm_attr_test` command.
var permAttrTestCmd = &cobra.Command{
	Use:   "perm_attr_test",
	Short: "Print the SHA-256 hash of the permanent attributes",
	Long:  ``,
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			hash, err := d.Secure.ReadPermanentAttributesHash()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%x\n", hash)

			return nil
		})
	},
}

// permAttrWriteCmd represents the `perm_attr_write` command.
var permAttrWriteCmd = &cobra.Command{
	Use:   "perm_attr_write <file>",
	Short: "Store the permanent attributes",
	Long:  `The attributes blob is read from the file and stored in the secure record.`,
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read permanent attributes: %w", err)
		}

		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			if err := d.Secure.WritePermanentAttributes(data); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Write permanent attributes successfully.")

			return nil
		})
	},
}

func init() {
	addCommand(permAttrTestCmd)
	addCommand(permAttrWriteCmd)
}
