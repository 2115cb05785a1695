// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmdline assembles the kernel command line.
package cmdline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/siderolabs/go-procfs/procfs"
)

// DefaultCapacity is the default size limit of the assembled command line in bytes.
const DefaultCapacity = 2000

// Kernel arguments.
const (
	ParamRoot          = "root"
	ParamSlotSuffix    = "androidboot.slot_suffix"
	ParamSerialNo      = "androidboot.serialno"
	ParamVerifiedState = "androidboot.verifiedbootstate"

	FlagSkipInitramfs = "skip_initramfs"
)

// TrustState is communicated to the kernel after verification.
type TrustState string

// Trust states.
const (
	TrustNone   TrustState = ""
	TrustGreen  TrustState = "green"
	TrustOrange TrustState = "orange"
)

// ErrCapacityExceeded is returned when the assembled command line doesn't fit.
var ErrCapacityExceeded = errors.New("kernel command line capacity exceeded")

// Spec is the input of Assemble.
type Spec struct {
	// RootUUID is the unique GUID of the root partition, uuid.Nil to omit the root clause.
	RootUUID uuid.UUID
	// Bootargs are the base arguments from the environment.
	Bootargs   string
	SlotSuffix string
	Serial     string
	ModeFlags  []string
	TrustState TrustState
	// Extra are the arguments supplied by the verified slot.
	Extra string
}

type builder struct {
	parts    []string
	size     int
	capacity int
}

func (b *builder) add(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	size := b.size + len(s)
	if len(b.parts) > 0 {
		size++
	}

	if b.capacity > 0 && size > b.capacity {
		return fmt.Errorf("%w: adding %q makes %d bytes, limit is %d", ErrCapacityExceeded, s, size, b.capacity)
	}

	b.parts = append(b.parts, s)
	b.size = size

	return nil
}

func hasRoot(args ...string) bool {
	for _, a := range args {
		if procfs.NewCmdline(a).Get(ParamRoot).First() != nil {
			return true
		}
	}

	return false
}

// Assemble builds the command line.
//
// Order: root clause, base arguments, slot suffix, serial number, mode flags, trust state, slot arguments.
// The root clause is skipped if the base or slot arguments already carry one.
// Capacity of zero or less disables the limit.
func Assemble(spec Spec, capacity int) (string, error) {
	b := &builder{capacity: capacity}

	var args []string

	if spec.RootUUID != uuid.Nil && !hasRoot(spec.Bootargs, spec.Extra) {
		args = append(args, ParamRoot+"=PARTUUID="+spec.RootUUID.String())
	}

	args = append(args, spec.Bootargs)

	if spec.SlotSuffix != "" {
		args = append(args, ParamSlotSuffix+"="+spec.SlotSuffix)
	}

	if spec.Serial != "" {
		args = append(args, ParamSerialNo+"="+spec.Serial)
	}

	args = append(args, spec.ModeFlags...)

	if spec.TrustState != TrustNone {
		args = append(args, ParamVerifiedState+"="+string(spec.TrustState))
	}

	args = append(args, spec.Extra)

	for _, arg := range args {
		if err := b.add(arg); err != nil {
			return "", err
		}
	}

	return strings.Join(b.parts, " "), nil
}

// Parse returns the assembled command line in parsed form.
func Parse(s string) *procfs.Cmdline {
	return procfs.NewCmdline(s)
}
