// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/siderolabs/go-pointer"
	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/flow"
)

// ErrNotBooted is returned when the flow ends in the fallback.
var ErrNotBooted = errors.New("cannot boot the system, entered fastboot")

var flowCmdFlags struct {
	kernelAddr hexValue
	rebootMode string
}

// flowCmd represents the `flow` command.
var flowCmd = &cobra.Command{
	Use:   "flow <v|n|o>",
	Short: "Run the boot flow",
	Long: `Selects the slot to boot, assembles the kernel command line and hands off to the kernel.

Variants:
  v  verify the slot chosen by the A/B metadata
  n  pick the slot from the A/B metadata without verification
  o  boot the un-suffixed partitions without verification`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := flow.ParseVariant(args[0])
		if err != nil {
			return err
		}

		req := bootavb.FlowRequest{
			Variant: variant,
		}

		if cmd.Flags().Changed("kernel-addr") {
			req.KernelAddr = pointer.To(uint64(flowCmdFlags.kernelAddr))
		}

		if cmd.Flags().Changed("reboot-mode") {
			req.RebootMode = pointer.To(flowCmdFlags.rebootMode)
		}

		return WithDevice(cmd, func(ctx context.Context, d *bootavb.Device) error {
			res, err := d.Boot(ctx, req)
			if err != nil {
				return err
			}

			printFlowResult(cmd.OutOrStdout(), res)

			if !res.Booted {
				if res.Reason != nil {
					return fmt.Errorf("%w: %w", ErrNotBooted, res.Reason)
				}

				return ErrNotBooted
			}

			return nil
		})
	},
}

func printFlowResult(w io.Writer, res *flow.Result) {
	fmt.Fprintf(w, "Enter boot-%s!\n", res.Mode)

	if !res.Booted {
		fmt.Fprintf(w, "fastboot command: %s\n", res.FallbackCommand)

		return
	}

	if res.SlotSuffix != "" {
		fmt.Fprintf(w, "slot: %s\n", res.SlotSuffix)
	}

	if res.TrustState != "" {
		fmt.Fprintf(w, "verified boot state: %s\n", res.TrustState)
	}

	fmt.Fprintf(w, "load address: 0x%x\n", res.LoadAddress)
	fmt.Fprintf(w, "cmdline: %s\n", res.Cmdline)
}

func init() {
	flowCmd.Flags().Var(&flowCmdFlags.kernelAddr, "kernel-addr", "Override the kernel load address (hex)")
	flowCmd.Flags().StringVar(&flowCmdFlags.rebootMode, "reboot-mode", "", "Override the reboot mode request")

	addCommand(flowCmd)
}
