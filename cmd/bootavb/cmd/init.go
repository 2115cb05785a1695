// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
)

// initCmd represents the `init` command.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the A/B metadata and the secure record",
	Long: `Creates the misc and security partition images when missing (partition directory only),
resets the A/B metadata in misc to the defaults and repairs an invalid secure record.`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			if err := d.Provision(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Initialize ab data to misc partition success.")

			return nil
		})
	},
}

func init() {
	addCommand(initCmd)
}
