// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/verifier"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// verifyCmd represents the `verify` command.
var verifyCmd = &cobra.Command{
	Use:   "verify <partition> <slot>",
	Short: "Verify the partition of the slot",
	Long:  `Verification errors are never allowed. The slot number is given in hex.`,
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlot(args[1])
		if err != nil {
			return err
		}

		return WithDevice(cmd, func(ctx context.Context, d *bootavb.Device) error {
			suffix := avb.SlotSuffixes[slot]

			res, err := d.Verifier.Verify(ctx, []string{args[0]}, suffix, false)
			if err != nil {
				return err
			}

			if res.Outcome != verifier.Ok {
				return res.Cause
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s%s verified successfully.\n", args[0], suffix)

			return nil
		})
	},
}

func init() {
	addCommand(verifyCmd)
}
