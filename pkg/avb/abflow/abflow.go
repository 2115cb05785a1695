// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package abflow implements A/B slot selection on top of the slot verifier.
package abflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/abdata"
)

// ErrNoBootableSlots is returned when both slots are unbootable.
var ErrNoBootableSlots = errors.New("no bootable slots found")

// Flow selects and verifies the slot to boot.
type Flow struct {
	store    *abdata.Store
	verifier avb.SlotVerifier
	rollback avb.RollbackOps
	logger   *zap.Logger
}

// New creates a Flow.
func New(store *abdata.Store, verifier avb.SlotVerifier, rollback avb.RollbackOps, logger *zap.Logger) *Flow {
	return &Flow{
		store:    store,
		verifier: verifier,
		rollback: rollback,
		logger:   logger,
	}
}

// pick returns the bootable slot with the highest priority, slot A wins ties.
func pick(d *abdata.Data) (int, bool) {
	a, b := d.Slots[0].Bootable(), d.Slots[1].Bootable()

	switch {
	case a && b:
		if d.Slots[1].Priority > d.Slots[0].Priority {
			return 1, true
		}

		return 0, true
	case a:
		return 0, true
	case b:
		return 1, true
	default:
		return 0, false
	}
}

// SelectSlot picks the slot to boot from the A/B metadata alone.
//
// No verification happens and the metadata is not modified.
func (f *Flow) SelectSlot() (int, error) {
	d, err := f.store.Load()
	if err != nil {
		return 0, err
	}

	slot, ok := pick(d)
	if !ok {
		return 0, ErrNoBootableSlots
	}

	return slot, nil
}

// Run verifies the bootable slots and picks the one to boot.
//
// Slots which fail verification are marked unbootable, unless the failure is recoverable
// and flags allow verification errors. The tries counter of an unconfirmed slot is decremented.
// Metadata is written back only if it changed.
//
// The returned error is non-nil for every result except ABFlowOK and ABFlowOKWithVerificationError.
//
//nolint:gocyclo
func (f *Flow) Run(ctx context.Context, partitions []string, flags avb.SlotVerifyFlags) (data *avb.SlotData, result avb.ABFlowResult, err error) {
	d, err := f.store.Load()
	if err != nil {
		if xerrors.TagIs[avb.MetadataCorrupt](err) {
			return nil, avb.ABFlowErrorInvalidArgument, err
		}

		return nil, avb.ABFlowErrorIO, err
	}

	orig := *d

	defer func() {
		if saveErr := f.store.SaveIfChanged(d, &orig); saveErr != nil {
			data, result, err = nil, avb.ABFlowErrorIO, saveErr
		}
	}()

	d.Normalize()

	var (
		slotData        [avb.NumSlots]*avb.SlotData
		allowedFailures bool
	)

	for n := range d.Slots {
		if !d.Slots[n].Bootable() {
			continue
		}

		suffix := avb.SlotSuffixes[n]

		verified, verifyErr := f.verifier.SlotVerify(ctx, partitions, suffix, flags)

		unbootable := false

		switch res := avb.ResultOf(verifyErr); res {
		case avb.SlotVerifyOK:
		case avb.SlotVerifyErrorOOM:
			return nil, avb.ABFlowErrorOOM, verifyErr
		case avb.SlotVerifyErrorIO:
			return nil, avb.ABFlowErrorIO, verifyErr
		case avb.SlotVerifyErrorInvalidArgument:
			return nil, avb.ABFlowErrorInvalidArgument, verifyErr
		case avb.SlotVerifyErrorInvalidMetadata, avb.SlotVerifyErrorUnsupportedVersion:
			unbootable = true
		default:
			if res.Recoverable() && flags&avb.SlotVerifyFlagsAllowVerificationError != 0 {
				allowedFailures = true
			} else {
				unbootable = true
			}
		}

		if unbootable || verified == nil {
			f.logger.Warn("slot failed verification, marking unbootable", zap.String("slot", suffix), zap.Error(verifyErr))

			d.Slots[n] = abdata.SlotInfo{}

			continue
		}

		if verifyErr != nil {
			f.logger.Warn("allowing slot with verification error", zap.String("slot", suffix), zap.Error(verifyErr))
		}

		slotData[n] = verified
	}

	slot, ok := pick(d)
	if !ok {
		return nil, avb.ABFlowErrorNoBootableSlots, ErrNoBootableSlots
	}

	if !allowedFailures {
		if err = f.updateRollbackIndexes(d, slotData); err != nil {
			return nil, avb.ABFlowErrorIO, err
		}
	}

	if !d.Slots[slot].SuccessfulBoot {
		d.Slots[slot].TriesRemaining--
	}

	f.logger.Info("selected slot", zap.String("slot", avb.SlotSuffixes[slot]),
		zap.Uint8("priority", d.Slots[slot].Priority),
		zap.Uint8("tries_remaining", d.Slots[slot].TriesRemaining),
		zap.Bool("successful", d.Slots[slot].SuccessfulBoot),
	)

	if allowedFailures {
		return slotData[slot], avb.ABFlowOKWithVerificationError, nil
	}

	return slotData[slot], avb.ABFlowOK, nil
}

// updateRollbackIndexes raises the stored rollback indexes to the largest values supported by all bootable slots.
func (f *Flow) updateRollbackIndexes(d *abdata.Data, slotData [avb.NumSlots]*avb.SlotData) error {
	for location := range avb.MaxRollbackIndexLocations {
		var value uint64

		a, b := d.Slots[0].Bootable(), d.Slots[1].Bootable()

		switch {
		case a && b:
			value = min(slotData[0].RollbackIndexes[location], slotData[1].RollbackIndexes[location])
		case a:
			value = slotData[0].RollbackIndexes[location]
		case b:
			value = slotData[1].RollbackIndexes[location]
		}

		if value == 0 {
			continue
		}

		current, err := f.rollback.ReadRollbackIndex(location)
		if err != nil {
			return fmt.Errorf("error reading rollback index %d: %w", location, err)
		}

		if value > current {
			if err = f.rollback.WriteRollbackIndex(location, value); err != nil {
				return fmt.Errorf("error writing rollback index %d: %w", location, err)
			}

			f.logger.Info("updated rollback index", zap.Int("location", location), zap.Uint64("value", value))
		}
	}

	return nil
}
