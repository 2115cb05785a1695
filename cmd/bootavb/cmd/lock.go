// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/siderolabs/gen/xerrors"
	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/pkg/avb"
)

func lockStatus(unlocked bool) string {
	if unlocked {
		return "UNLOCKED"
	}

	return "LOCKED"
}

// readLockStatusCmd represents the `read_lock_status` command.
var readLockStatusCmd = &cobra.Command{
	Use:   "read_lock_status",
	Short: "Print the device lock state",
	Long:  ``,
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			unlocked, err := d.Secure.ReadIsDeviceUnlocked()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "The device is %s\n", lockStatus(unlocked))

			return nil
		})
	},
}

// writeLockStatusCmd represents the `write_lock_status` command.
var writeLockStatusCmd = &cobra.Command{
	Use:   "write_lock_status <0|1>",
	Short: "Store the device lock state",
	Long:  `1 unlocks the device, 0 locks it.`,
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var unlocked bool

		switch args[0] {
		case "0":
		case "1":
			unlocked = true
		default:
			return xerrors.NewTaggedf[avb.UsageError]("lock state must be '0' or '1', got %q", args[0])
		}

		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			if err := d.Secure.WriteIsDeviceUnlocked(unlocked); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "The device is %s\n", lockStatus(unlocked))

			return nil
		})
	},
}

func init() {
	addCommand(readLockStatusCmd)
	addCommand(writeLockStatusCmd)
}
