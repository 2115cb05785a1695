// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package flow

import (
	"fmt"
	"strings"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// Mode is the boot mode.
type Mode int

// Boot modes.
const (
	ModeNormal Mode = iota
	ModeRecovery
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRecovery:
		return "recovery"
	case ModeBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// KernelFlags returns the kernel arguments of the mode.
func (m Mode) KernelFlags() []string {
	if m == ModeNormal {
		return []string{cmdline.FlagSkipInitramfs}
	}

	return nil
}

// RebootModeRecovery is the reboot mode request for the recovery mode.
const RebootModeRecovery = "recovery"

// ResolveMode derives the boot mode from the control block and the transient reboot mode request.
//
// The reboot mode request is only looked at if the control block carries no recognized command.
func ResolveMode(msg *bcb.Message, rebootMode string) Mode {
	if msg != nil {
		switch msg.Command {
		case bcb.CommandBootloaderOnce:
			return ModeBootloader
		case bcb.CommandRecovery:
			return ModeRecovery
		case bcb.CommandNormal:
			return ModeNormal
		}
	}

	if strings.HasPrefix(rebootMode, RebootModeRecovery) {
		return ModeRecovery
	}

	return ModeNormal
}

// Variant selects the flow.
type Variant byte

// Flow variants.
const (
	// VariantVerify verifies the slots and boots the best verified one.
	VariantVerify Variant = 'v'
	// VariantABOnly boots the slot selected by the A/B metadata without verification.
	VariantABOnly Variant = 'n'
	// VariantLegacy boots the single-slot layout without verification.
	VariantLegacy Variant = 'o'
)

func (v Variant) String() string {
	switch v {
	case VariantVerify:
		return "verify"
	case VariantABOnly:
		return "ab-only"
	case VariantLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Variant(%q)", rune(v))
	}
}

// ParseVariant parses the flow variant argument.
func ParseVariant(s string) (Variant, error) {
	if len(s) == 1 {
		switch v := Variant(s[0]); v {
		case VariantVerify, VariantABOnly, VariantLegacy:
			return v, nil
		}
	}

	return 0, xerrors.NewTaggedf[avb.UsageError]("unknown flow variant %q, expected one of v, n, o", s)
}

// KernelAlignment is the arm64 kernel image alignment.
const KernelAlignment = 0x80000

// AlignLoadAddress aligns the kernel load address for the architecture.
func AlignLoadAddress(addr uint64, arch string) uint64 {
	if arch == "arm64" {
		return addr &^ (KernelAlignment - 1)
	}

	return addr
}
