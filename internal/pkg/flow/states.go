// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package flow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/internal/pkg/automaton"
	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
	"github.com/siderolabs/bootavb/internal/pkg/verifier"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// ErrBootloaderRequested is the fallback reason for the one-shot bootloader command.
var ErrBootloaderRequested = errors.New("bootloader mode requested by " + bcb.CommandBootloaderOnce)

func start(_ context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateStart)

	msg, err := b.deps.BCB.Read()

	switch {
	case err == nil:
		b.msg = msg

		logger.Info("read control block", zap.String("command", msg.Command))
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no control block, assuming no pending command", zap.Error(err))
	default:
		return b.fail(logger, err)
	}

	b.result.Mode = ResolveMode(b.msg, b.opts.RebootMode)

	if b.msg != nil && b.msg.IsOneShot() {
		b.msg.ClearCommand()

		if err = b.deps.BCB.Write(b.msg); err != nil {
			logger.Error("error clearing one-shot command", zap.Error(err))
		} else {
			b.result.OneShotCleared = true
		}
	}

	if b.result.Mode == ModeBootloader {
		return b.fail(logger, ErrBootloaderRequested)
	}

	b.result.RebootModeConsumed = b.result.Mode == ModeRecovery && ResolveMode(b.msg, "") != ModeRecovery

	return modeResolved, nil
}

func modeResolved(_ context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateModeResolved)

	logger.Info("boot mode resolved", zap.Stringer("mode", b.result.Mode), zap.Stringer("variant", b.opts.Variant))

	// read on every boot whatever the variant, repaired if unreadable
	b.result.Unlocked = b.deps.Lock.ReadUnlocked()

	logger.Info("device lock state", zap.Bool("unlocked", b.result.Unlocked))

	switch b.opts.Variant {
	case VariantVerify:
		return verifyAttempted, nil
	case VariantABOnly:
		return slotSelected, nil
	case VariantLegacy:
		return legacySelected, nil
	default:
		return b.fail(logger, xerrors.NewTaggedf[avb.UsageError]("unknown flow variant %s", b.opts.Variant))
	}
}

func verifyAttempted(ctx context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateVerifyAttempted)

	unlocked := b.result.Unlocked

	res, err := b.deps.Verifier.VerifyAB(ctx, RequestedPartitions, unlocked)
	if err != nil {
		return b.fail(logger, err)
	}

	b.result.Outcome = res.Outcome

	switch res.Outcome {
	case verifier.Ok:
		b.result.TrustState = cmdline.TrustGreen
	case verifier.OkWithVerificationError:
		if !unlocked {
			return b.fail(logger, xerrors.NewTaggedf[avb.VerificationFailed]("verification errors are not allowed on a locked device: %w", res.Cause))
		}

		b.result.TrustState = cmdline.TrustOrange
	default:
		return b.fail(logger, res.Cause)
	}

	kernel, ok := res.Slot.Partition(avb.PartitionBoot)
	if !ok {
		return b.fail(logger, xerrors.NewTaggedf[avb.VerificationFailed]("verified slot %q has no %q image", res.Slot.ABSuffix, avb.PartitionBoot))
	}

	b.kernel = kernel
	b.extra = res.Slot.Cmdline
	b.result.SlotSuffix = res.Slot.ABSuffix

	// slot arguments usually carry the root device already
	if guid, err := b.resolveRoot(avb.PartitionSystem + res.Slot.ABSuffix); err == nil {
		b.result.RootUUID = guid
	} else {
		logger.Warn("omitting root partition clause", zap.Error(err))
	}

	return commandLineReady, nil
}

func slotSelected(_ context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateSlotSelected)

	slot, err := b.deps.AB.SelectSlot()
	if err != nil {
		return b.fail(logger, err)
	}

	suffix := avb.SlotSuffixes[slot]

	logger.Warn("booting slot without verification", zap.String("slot", suffix))

	b.result.SlotSuffix = suffix

	if b.result.RootUUID, err = b.resolveRoot(avb.PartitionSystem + suffix); err != nil {
		return b.fail(logger, err)
	}

	if b.kernel, err = b.readPartition(avb.PartitionBoot + suffix); err != nil {
		return b.fail(logger, err)
	}

	return commandLineReady, nil
}

func legacySelected(_ context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateLegacySelected)

	logger.Warn("booting single-slot layout without verification")

	var err error

	if b.result.RootUUID, err = b.resolveRoot(avb.PartitionSystem); err != nil {
		return b.fail(logger, err)
	}

	if b.kernel, err = b.readPartition(avb.PartitionBoot); err != nil {
		return b.fail(logger, err)
	}

	return commandLineReady, nil
}

func commandLineReady(_ context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateCommandLineReady)

	line, err := cmdline.Assemble(cmdline.Spec{
		RootUUID:   b.result.RootUUID,
		Bootargs:   b.opts.Bootargs,
		SlotSuffix: b.result.SlotSuffix,
		Serial:     b.opts.Serial,
		ModeFlags:  b.result.Mode.KernelFlags(),
		TrustState: b.result.TrustState,
		Extra:      b.extra,
	}, b.opts.CmdlineCapacity)
	if err != nil {
		return b.fail(logger, err)
	}

	b.result.Cmdline = line

	logger.Info("kernel command line assembled", zap.String("cmdline", line))

	return boot, nil
}

func boot(ctx context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateBoot)

	logger.Info("handing off to the kernel",
		zap.String("load_address", fmt.Sprintf("0x%x", b.opts.LoadAddress)),
		zap.Int("kernel_size", len(b.kernel)),
	)

	if err := b.deps.Booter.Boot(ctx, BootRequest{
		Kernel:      b.kernel,
		Cmdline:     b.result.Cmdline,
		LoadAddress: b.opts.LoadAddress,
	}); err != nil {
		return b.fail(logger, fmt.Errorf("kernel hand-off failed: %w", err))
	}

	b.result.Booted = true

	return nil, xerrors.NewTaggedf[automaton.Halt]("kernel handed off")
}

func fallbackState(ctx context.Context, logger *zap.Logger, b *attempt) (stateFunc, error) {
	b.enter(logger, StateFallback)

	command, err := b.deps.Fallback.Enter(ctx, b.result.Reason)
	b.result.FallbackCommand = command

	if err != nil {
		return nil, fmt.Errorf("error running fastboot command %q: %w", command, err)
	}

	return nil, xerrors.NewTaggedf[automaton.Halt]("fastboot entered")
}
