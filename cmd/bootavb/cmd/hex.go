// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"

	"github.com/siderolabs/gen/xerrors"
	"github.com/spf13/pflag"

	"github.com/siderolabs/bootavb/internal/pkg/config"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// hexValue is a uint64 flag given in hex.
type hexValue uint64

var _ pflag.Value = (*hexValue)(nil)

func (h *hexValue) String() string {
	return fmt.Sprintf("0x%x", uint64(*h))
}

func (h *hexValue) Set(s string) error {
	v, err := config.ParseHex(s)
	if err != nil {
		return err
	}

	*h = hexValue(v)

	return nil
}

func (h *hexValue) Type() string {
	return "hex"
}

// parseSlot parses a hex slot number argument.
func parseSlot(s string) (int, error) {
	v, err := config.ParseHex(s)
	if err != nil {
		return 0, err
	}

	if v >= avb.NumSlots {
		return 0, xerrors.NewTaggedf[avb.UsageError]("invalid slot number %d", v)
	}

	return int(v), nil
}

// parseLocation parses a hex rollback index location argument.
func parseLocation(s string) (int, error) {
	v, err := config.ParseHex(s)
	if err != nil {
		return 0, err
	}

	if v >= avb.MaxRollbackIndexLocations {
		return 0, xerrors.NewTaggedf[avb.UsageError]("invalid rollback index location %d", v)
	}

	return int(v), nil
}
