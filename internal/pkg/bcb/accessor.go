// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bcb

import (
	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Accessor reads and writes the control block.
//
// Errors are returned as is, without retries; missing misc partition errors wrap os.ErrNotExist.
type Accessor struct {
	ops avb.PartitionOps
}

// NewAccessor creates an Accessor.
func NewAccessor(ops avb.PartitionOps) *Accessor {
	return &Accessor{ops: ops}
}

// Read the control block.
func (a *Accessor) Read() (*Message, error) {
	buf := make([]byte, Size)

	n, err := a.ops.ReadFromPartition(avb.PartitionMisc, Offset, buf)
	if err != nil {
		return nil, xerrors.NewTaggedf[avb.StorageError]("error reading control block: %w", err)
	}

	return Decode(buf[:n])
}

// Write the control block.
func (a *Accessor) Write(m *Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}

	if err = a.ops.WriteToPartition(avb.PartitionMisc, Offset, buf); err != nil {
		return xerrors.NewTaggedf[avb.StorageError]("error writing control block: %w", err)
	}

	return nil
}
