// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package abdata

import (
	"errors"
	"fmt"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Store persists the A/B metadata in the misc partition.
type Store struct {
	ops    avb.PartitionOps
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(ops avb.PartitionOps, logger *zap.Logger) *Store {
	return &Store{
		ops:    ops,
		logger: logger,
	}
}

// Read reads and decodes the record as is.
func (s *Store) Read() (*Data, error) {
	buf := make([]byte, Size)

	n, err := s.ops.ReadFromPartition(avb.PartitionMisc, Offset, buf)
	if err != nil {
		return nil, xerrors.NewTaggedf[avb.StorageError]("error reading A/B metadata: %w", err)
	}

	if n != Size {
		return nil, xerrors.NewTaggedf[avb.StorageError]("short read of A/B metadata: %d bytes", n)
	}

	return Unmarshal(buf)
}

// Write encodes and writes the record.
func (s *Store) Write(d *Data) error {
	if err := s.ops.WriteToPartition(avb.PartitionMisc, Offset, d.Marshal()); err != nil {
		return xerrors.NewTaggedf[avb.StorageError]("error writing A/B metadata: %w", err)
	}

	return nil
}

// Init resets the record to the factory state.
func (s *Store) Init() error {
	return s.Write(New())
}

// Load reads the record, resetting it if it is invalid.
func (s *Store) Load() (*Data, error) {
	d, err := s.Read()
	if err == nil {
		return d, nil
	}

	if !errors.Is(err, ErrInvalid) {
		return nil, err
	}

	s.logger.Warn("resetting invalid A/B metadata", zap.Error(err))

	d = New()

	if err = s.Write(d); err != nil {
		return nil, err
	}

	return d, nil
}

// SaveIfChanged writes the record only if it differs from the original.
func (s *Store) SaveIfChanged(d, orig *Data) error {
	if *d == *orig {
		return nil
	}

	return s.Write(d)
}

func (s *Store) update(slot int, fn func(d *Data) error) error {
	if _, err := avb.SlotSuffix(slot); err != nil {
		return xerrors.NewTaggedf[avb.UsageError]("%w", err)
	}

	d, err := s.Load()
	if err != nil {
		return err
	}

	orig := *d

	if err = fn(d); err != nil {
		return err
	}

	return s.SaveIfChanged(d, &orig)
}

// MarkActive makes the slot the preferred one, with full tries and unconfirmed boot.
func (s *Store) MarkActive(slot int) error {
	return s.update(slot, func(d *Data) error {
		d.Slots[slot] = SlotInfo{
			Priority:       MaxPriority,
			TriesRemaining: MaxTriesRemaining,
		}

		other := 1 - slot

		if d.Slots[other].Priority == MaxPriority {
			d.Slots[other].Priority = MaxPriority - 1
		}

		return nil
	})
}

// MarkUnbootable makes the slot unbootable.
func (s *Store) MarkUnbootable(slot int) error {
	return s.update(slot, func(d *Data) error {
		d.Slots[slot].setUnbootable()

		return nil
	})
}

// MarkSuccessful confirms a successful boot of the slot.
func (s *Store) MarkSuccessful(slot int) error {
	return s.update(slot, func(d *Data) error {
		if !d.Slots[slot].Bootable() {
			return fmt.Errorf("cannot mark unbootable slot %d as successful", slot)
		}

		d.Slots[slot].TriesRemaining = 0
		d.Slots[slot].SuccessfulBoot = true

		return nil
	})
}
