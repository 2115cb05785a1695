// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// slotCommand builds a command which updates the A/B metadata of a single slot.
func slotCommand(use, short, done string, action func(d *bootavb.Device, slot int) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slot>",
		Short: short,
		Long:  `The slot number is given in hex: 0 is slot A, 1 is slot B.`,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlot(args[0])
			if err != nil {
				return err
			}

			return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
				if err := action(d, slot); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Mark slot %d %s successfully.\n", slot, done)

				return nil
			})
		},
	}
}

var (
	slotActiveCmd = slotCommand("slot_active", "Mark the slot as active", "active",
		func(d *bootavb.Device, slot int) error { return d.AB.MarkActive(slot) })

	slotUnbootableCmd = slotCommand("slot_unbootable", "Mark the slot as unbootable", "unbootable",
		func(d *bootavb.Device, slot int) error { return d.AB.MarkUnbootable(slot) })

	slotSuccessfulCmd = slotCommand("slot_successful", "Mark the slot as successfully booted", "successful",
		func(d *bootavb.Device, slot int) error { return d.AB.MarkSuccessful(slot) })
)

// readABMiscCmd represents the `readabmisc` command.
var readABMiscCmd = &cobra.Command{
	Use:   "readabmisc",
	Short: "Print the A/B metadata of both slots",
	Long:  ``,
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			data, err := d.AB.Read()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			for i, slot := range data.Slots {
				name := strings.ToUpper(strings.TrimPrefix(avb.SlotSuffixes[i], "_"))

				successful := 0
				if slot.SuccessfulBoot {
					successful = 1
				}

				fmt.Fprintf(w, "Slot %s information:\n", name)
				fmt.Fprintf(w, "slot %s: priority = %d, tries_remaining = %d, successful_boot = %d\n",
					name, slot.Priority, slot.TriesRemaining, successful)
			}

			return nil
		})
	},
}

func init() {
	addCommand(slotActiveCmd)
	addCommand(slotUnbootableCmd)
	addCommand(slotSuccessfulCmd)
	addCommand(readABMiscCmd)
}
