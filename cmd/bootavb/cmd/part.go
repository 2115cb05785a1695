// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xerrors"
	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/config"
	"github.com/siderolabs/bootavb/internal/pkg/partition"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// maxReadBlocks limits the `read` command output.
const maxReadBlocks = 0x800

// partSizeCmd represents the `part_size` command.
var partSizeCmd = &cobra.Command{
	Use:   "part_size <partition>",
	Short: "Print the partition size",
	Long:  ``,
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			size, err := d.Partitions.GetSizeOfPartition(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s partition size = 0x%x (%s)\n", args[0], size, humanize.IBytes(size))

			return nil
		})
	},
}

// partGUIDCmd represents the `part_guid` command.
var partGUIDCmd = &cobra.Command{
	Use:   "part_guid <partition>",
	Short: "Print the partition unique GUID",
	Long:  ``,
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			guid, err := d.Partitions.GetUniqueGUIDForPartition(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s partition UUID is %s\n", args[0], guid)

			return nil
		})
	},
}

// readCmd represents the `read` command.
var readCmd = &cobra.Command{
	Use:   "read <partition> <offset> <count>",
	Short: "Dump partition blocks",
	Long:  `The offset and count are given in hex as 512 byte blocks.`,
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, err := config.ParseHex(args[1])
		if err != nil {
			return err
		}

		count, err := config.ParseHex(args[2])
		if err != nil {
			return err
		}

		if count == 0 || count > maxReadBlocks {
			return xerrors.NewTaggedf[avb.UsageError]("block count should be between 1 and 0x%x", maxReadBlocks)
		}

		if offset > math.MaxInt64/partition.SectorSize {
			return xerrors.NewTaggedf[avb.UsageError]("block offset 0x%x is out of range", offset)
		}

		return WithDevice(cmd, func(_ context.Context, d *bootavb.Device) error {
			buf := make([]byte, count*partition.SectorSize)

			n, err := d.Partitions.ReadFromPartition(args[0], int64(offset*partition.SectorSize), buf)
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), hex.Dump(buf[:n]))

			return err
		})
	},
}

func init() {
	addCommand(partSizeCmd)
	addCommand(partGUIDCmd)
	addCommand(readCmd)
}
