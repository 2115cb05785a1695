// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bcb implements the bootloader control block stored at the start of the misc partition.
package bcb

import (
	"bytes"
	"fmt"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Layout constants.
//
// Layout:
//
//	0x000   32 bytes    command
//	0x020   32 bytes    status
//	0x040   768 bytes   recovery
//	0x340   32 bytes    stage
//	0x360   1184 bytes  reserved
const (
	Offset = 0
	Size   = 2048

	commandSize  = 32
	statusSize   = 32
	recoverySize = 768
	stageSize    = 32
	reservedSize = Size - commandSize - statusSize - recoverySize - stageSize
)

// Recognized commands.
const (
	CommandBootloaderOnce = "bootonce-bootloader"
	CommandRecovery       = "boot-recovery"
	CommandNormal         = "boot-normal"
)

// Message is the decoded control block.
//
// String fields are NUL-terminated in the on-disk form, bytes after the first NUL are ignored.
// A decoded message keeps the on-disk bytes: fields left unchanged are encoded back verbatim.
type Message struct {
	Command  string
	Status   string
	Recovery string
	Stage    string

	Reserved [reservedSize]byte

	raw []byte
}

type field struct {
	value *string
	size  int
}

func (m *Message) fields() []field {
	return []field{
		{&m.Command, commandSize},
		{&m.Status, statusSize},
		{&m.Recovery, recoverySize},
		{&m.Stage, stageSize},
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

// Decode the control block.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < Size {
		return nil, xerrors.NewTaggedf[avb.StorageError]("short control block: %d bytes", len(buf))
	}

	m := &Message{
		raw: bytes.Clone(buf[:Size]),
	}
	off := 0

	for _, f := range m.fields() {
		*f.value = cstring(buf[off : off+f.size])
		off += f.size
	}

	copy(m.Reserved[:], buf[off:Size])

	return m, nil
}

// Encode the control block.
//
// Changed fields which do not fit together with the terminating NUL are rejected.
func (m *Message) Encode() ([]byte, error) {
	buf := make([]byte, Size)

	if m.raw != nil {
		copy(buf, m.raw)
	}

	off := 0

	for _, f := range m.fields() {
		window := buf[off : off+f.size]
		off += f.size

		if m.raw != nil && cstring(window) == *f.value {
			continue
		}

		if len(*f.value) >= f.size {
			return nil, xerrors.NewTaggedf[avb.UsageError]("control block field %q exceeds %d bytes", *f.value, f.size-1)
		}

		clear(window)
		copy(window, *f.value)
	}

	copy(buf[off:], m.Reserved[:])

	return buf, nil
}

// ClearCommand zeroes the command field.
func (m *Message) ClearCommand() {
	m.Command = ""
}

// IsOneShot reports whether the command must be consumed when read.
func (m *Message) IsOneShot() bool {
	return m.Command == CommandBootloaderOnce
}

func (m *Message) String() string {
	return fmt.Sprintf("command=%q status=%q recovery=%q stage=%q", m.Command, m.Status, m.Recovery, m.Stage)
}
