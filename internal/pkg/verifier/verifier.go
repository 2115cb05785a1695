// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verifier drives the verification primitive and classifies its results.
package verifier

import (
	"context"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/abflow"
)

// Outcome of a verification attempt.
//
// The zero value is Failed.
type Outcome int

// Verification outcomes.
const (
	Failed Outcome = iota
	Ok
	OkWithVerificationError
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case OkWithVerificationError:
		return "ok-with-verification-error"
	default:
		return "failed"
	}
}

// Result of a verification attempt.
type Result struct {
	// Cause is set for every outcome but Ok.
	Cause   error
	Slot    *avb.SlotData
	Outcome Outcome
}

// Flags translates the device unlock state into verification flags.
func Flags(allowVerificationError bool) avb.SlotVerifyFlags {
	if allowVerificationError {
		return avb.SlotVerifyFlagsAllowVerificationError
	}

	return avb.SlotVerifyFlagsNone
}

// ClassifySlotResult maps a slot verification result to an outcome.
//
// The second return value is true for results which must not be handled as verification failures.
func ClassifySlotResult(result avb.SlotVerifyResult, allowVerificationError bool) (Outcome, bool) {
	switch result { //nolint:exhaustive
	case avb.SlotVerifyOK:
		return Ok, false
	case avb.SlotVerifyErrorOOM, avb.SlotVerifyErrorIO, avb.SlotVerifyErrorInvalidArgument:
		return Failed, true
	default:
		if result.Recoverable() && allowVerificationError {
			return OkWithVerificationError, false
		}

		return Failed, false
	}
}

// ClassifyFlowResult maps an A/B flow result to an outcome.
//
// The second return value is true for results which must not be handled as verification failures.
func ClassifyFlowResult(result avb.ABFlowResult, allowVerificationError bool) (Outcome, bool) {
	switch result { //nolint:exhaustive
	case avb.ABFlowOK:
		return Ok, false
	case avb.ABFlowOKWithVerificationError:
		if allowVerificationError {
			return OkWithVerificationError, false
		}

		return Failed, false
	case avb.ABFlowErrorNoBootableSlots:
		return Failed, false
	default:
		return Failed, true
	}
}

// Verifier verifies slots.
type Verifier struct {
	slots  avb.SlotVerifier
	ab     *abflow.Flow
	logger *zap.Logger
}

// New creates a Verifier.
func New(slots avb.SlotVerifier, ab *abflow.Flow, logger *zap.Logger) *Verifier {
	return &Verifier{
		slots:  slots,
		ab:     ab,
		logger: logger,
	}
}

// Verify the partitions of a single slot.
//
// The returned error is fatal (verifier unavailable, I/O failure, invalid arguments) and is never retried.
func (v *Verifier) Verify(ctx context.Context, partitions []string, suffix string, allowVerificationError bool) (Result, error) {
	data, err := v.slots.SlotVerify(ctx, partitions, suffix, Flags(allowVerificationError))

	outcome, fatal := ClassifySlotResult(avb.ResultOf(err), allowVerificationError)
	if fatal {
		return Result{}, xerrors.NewTaggedf[avb.StorageError]("error verifying slot %q: %w", suffix, err)
	}

	return v.result(outcome, data, err, suffix)
}

// VerifyAB picks and verifies the slot to boot using the A/B metadata.
//
// The returned error is fatal, see Verify.
func (v *Verifier) VerifyAB(ctx context.Context, partitions []string, allowVerificationError bool) (Result, error) {
	data, flowResult, err := v.ab.Run(ctx, partitions, Flags(allowVerificationError))

	outcome, fatal := ClassifyFlowResult(flowResult, allowVerificationError)
	if fatal {
		return Result{}, xerrors.NewTaggedf[avb.StorageError]("A/B flow failed with %s: %w", flowResult, err)
	}

	if flowResult == avb.ABFlowOKWithVerificationError && err == nil {
		err = xerrors.NewTaggedf[avb.VerificationFailed]("A/B flow result %s", flowResult)
	}

	suffix := ""
	if data != nil {
		suffix = data.ABSuffix
	}

	return v.result(outcome, data, err, suffix)
}

func (v *Verifier) result(outcome Outcome, data *avb.SlotData, cause error, suffix string) (Result, error) {
	switch outcome {
	case Ok:
		return Result{Outcome: Ok, Slot: data}, nil
	case OkWithVerificationError:
		if data == nil {
			return Result{
				Outcome: Failed,
				Cause:   xerrors.NewTaggedf[avb.VerificationFailed]("verifier returned no slot data for %q: %w", suffix, cause),
			}, nil
		}

		v.logger.Warn("slot verified with errors", zap.String("slot", suffix), zap.Error(cause))

		return Result{Outcome: OkWithVerificationError, Slot: data, Cause: cause}, nil
	default:
		v.logger.Error("slot verification failed", zap.String("slot", suffix), zap.Error(cause))

		return Result{
			Outcome: Failed,
			Cause:   xerrors.NewTaggedf[avb.VerificationFailed]("verification failed: %w", cause),
		}, nil
	}
}
