// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package avb defines the contracts between the boot orchestrator and the verified boot primitives.
//
// Everything which touches storage, cryptography or the kernel is accessed through the interfaces
// declared here, so that the orchestration logic can be driven by in-memory fakes.
package avb

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Well-known partition names.
const (
	PartitionMisc     = "misc"
	PartitionBoot     = "boot"
	PartitionSystem   = "system"
	PartitionVBMeta   = "vbmeta"
	PartitionSecurity = "security"
)

// MaxRollbackIndexLocations is the number of rollback index slots available to a device.
const MaxRollbackIndexLocations = 32

// NumSlots is the number of A/B slots.
const NumSlots = 2

// SlotSuffixes maps slot numbers to partition name suffixes.
var SlotSuffixes = [NumSlots]string{"_a", "_b"}

// SlotSuffix returns the partition suffix of the slot.
func SlotSuffix(slot int) (string, error) {
	if slot < 0 || slot >= NumSlots {
		return "", fmt.Errorf("invalid slot number %d", slot)
	}

	return SlotSuffixes[slot], nil
}

// SlotIndex returns the slot number for the partition suffix.
func SlotIndex(suffix string) (int, error) {
	for i, s := range SlotSuffixes {
		if s == suffix {
			return i, nil
		}
	}

	return 0, fmt.Errorf("unknown slot suffix %q", suffix)
}

// PartitionOps provides byte-level access to named partitions.
//
// Missing partitions are reported with an error which wraps os.ErrNotExist.
type PartitionOps interface {
	ReadFromPartition(name string, offset int64, buf []byte) (int, error)
	WriteToPartition(name string, offset int64, buf []byte) error
	GetUniqueGUIDForPartition(name string) (uuid.UUID, error)
	GetSizeOfPartition(name string) (uint64, error)
}

// RollbackOps stores the rollback indexes.
type RollbackOps interface {
	ReadRollbackIndex(location int) (uint64, error)
	WriteRollbackIndex(location int, index uint64) error
}

// LockOps stores the device unlock state.
type LockOps interface {
	ReadIsDeviceUnlocked() (bool, error)
	WriteIsDeviceUnlocked(unlocked bool) error
}

// AttributeOps stores the permanent attributes blob.
type AttributeOps interface {
	ReadPermanentAttributes() ([]byte, error)
	WritePermanentAttributes(data []byte) error
	ReadPermanentAttributesHash() ([sha256.Size]byte, error)
}

// LoadedPartition is a partition image loaded and verified by the slot verifier.
type LoadedPartition struct {
	Name string
	Data []byte
}

// SlotData describes a verified (or allowed to boot) slot.
type SlotData struct {
	ABSuffix         string
	Cmdline          string
	LoadedPartitions []LoadedPartition
	RollbackIndexes  [MaxRollbackIndexLocations]uint64
}

// Partition returns the loaded image of the partition without suffix.
func (d *SlotData) Partition(name string) ([]byte, bool) {
	for _, p := range d.LoadedPartitions {
		if p.Name == name || p.Name == name+d.ABSuffix {
			return p.Data, true
		}
	}

	return nil, false
}
