// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/siderolabs/bootavb/pkg/version"
)

var versionCmdFlags struct {
	short bool
}

// versionCmd represents the `version` command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version",
	Long:  ``,
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := version.NewVersion()

		if versionCmdFlags.short {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Android avb version is %s.\n", v.Short())

			return err
		}

		return v.PrintLongVersion(cmd.OutOrStdout())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCmdFlags.short, "short", false, "Print the short version")

	addCommand(versionCmd)
}
