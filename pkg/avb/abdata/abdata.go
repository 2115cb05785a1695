// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package abdata implements the A/B slot metadata record.
package abdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Layout constants.
//
// Layout (multi-byte values in big-endian):
//
//	0x00   4 bytes   magic "\0AB0"
//	0x04   1 byte    major version
//	0x05   1 byte    minor version
//	0x06   2 bytes   reserved
//	0x08   4 bytes   slot A: priority, tries remaining, successful boot, reserved
//	0x0c   4 bytes   slot B
//	0x10   12 bytes  reserved
//	0x1c   4 bytes   crc32 of bytes 0x00..0x1b
const (
	// Offset of the record in the misc partition, right after the BCB.
	Offset = 2048
	Size   = 32

	MajorVersion = 1
	MinorVersion = 0

	MaxPriority       = 15
	MaxTriesRemaining = 7
)

// Magic identifies the record.
var Magic = [4]byte{0, 'A', 'B', '0'}

// ErrInvalid is returned for records with bad magic or checksum.
var ErrInvalid = errors.New("invalid A/B metadata")

// SlotInfo is the boot state of a single slot.
type SlotInfo struct {
	Priority       uint8
	TriesRemaining uint8
	SuccessfulBoot bool
}

// Bootable reports whether the slot may be selected.
func (s SlotInfo) Bootable() bool {
	return s.Priority > 0 && (s.SuccessfulBoot || s.TriesRemaining > 0)
}

func (s *SlotInfo) setUnbootable() {
	s.Priority = 0
	s.TriesRemaining = 0
	s.SuccessfulBoot = false
}

// normalize brings the slot into a consistent state.
func (s *SlotInfo) normalize() {
	if s.Priority > 0 {
		if s.TriesRemaining == 0 && !s.SuccessfulBoot {
			s.setUnbootable()
		}

		if s.TriesRemaining > 0 && s.SuccessfulBoot {
			s.setUnbootable()
		}
	} else {
		s.setUnbootable()
	}
}

// Data is the A/B metadata.
type Data struct {
	VersionMajor uint8
	VersionMinor uint8
	Slots        [avb.NumSlots]SlotInfo
}

// New returns metadata in the factory state: both slots bootable, slot A preferred.
func New() *Data {
	return &Data{
		VersionMajor: MajorVersion,
		VersionMinor: MinorVersion,
		Slots: [avb.NumSlots]SlotInfo{
			{Priority: MaxPriority, TriesRemaining: MaxTriesRemaining},
			{Priority: MaxPriority - 1, TriesRemaining: MaxTriesRemaining},
		},
	}
}

// Normalize normalizes all slots.
func (d *Data) Normalize() {
	for i := range d.Slots {
		d.Slots[i].normalize()
	}
}

// Unmarshal decodes the record.
//
// Records with bad magic or checksum return ErrInvalid, unsupported versions
// return an error tagged with avb.MetadataCorrupt.
func Unmarshal(buf []byte) (*Data, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("%w: short record of %d bytes", ErrInvalid, len(buf))
	}

	if !bytes.Equal(buf[:4], Magic[:]) {
		return nil, fmt.Errorf("%w: magic %x", ErrInvalid, buf[:4])
	}

	expected := binary.BigEndian.Uint32(buf[28:32])
	if actual := crc32.ChecksumIEEE(buf[:28]); actual != expected {
		return nil, fmt.Errorf("%w: checksum %08x, expecting %08x", ErrInvalid, actual, expected)
	}

	d := &Data{
		VersionMajor: buf[4],
		VersionMinor: buf[5],
	}

	if d.VersionMajor != MajorVersion {
		return nil, xerrors.NewTaggedf[avb.MetadataCorrupt]("unsupported A/B metadata version %d.%d", d.VersionMajor, d.VersionMinor)
	}

	for i := range d.Slots {
		entry := buf[8+4*i : 12+4*i]

		d.Slots[i] = SlotInfo{
			Priority:       entry[0],
			TriesRemaining: entry[1],
			SuccessfulBoot: entry[2] != 0,
		}
	}

	return d, nil
}

// Marshal encodes the record, computing the checksum.
func (d *Data) Marshal() []byte {
	buf := make([]byte, Size)

	copy(buf[:4], Magic[:])
	buf[4] = d.VersionMajor
	buf[5] = d.VersionMinor

	for i, slot := range d.Slots {
		entry := buf[8+4*i : 12+4*i]

		entry[0] = slot.Priority
		entry[1] = slot.TriesRemaining

		if slot.SuccessfulBoot {
			entry[2] = 1
		}
	}

	binary.BigEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(buf[:28]))

	return buf
}
