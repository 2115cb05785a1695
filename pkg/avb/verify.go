// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package avb

import (
	"context"
	"errors"
	"fmt"
)

// SlotVerifyFlags modify the slot verification.
type SlotVerifyFlags uint32

// Slot verification flags.
const (
	SlotVerifyFlagsNone                   SlotVerifyFlags = 0
	SlotVerifyFlagsAllowVerificationError SlotVerifyFlags = 1 << 0
)

// SlotVerifyResult is the result of the slot verification.
type SlotVerifyResult int

// Slot verification results.
const (
	SlotVerifyOK SlotVerifyResult = iota
	SlotVerifyErrorOOM
	SlotVerifyErrorIO
	SlotVerifyErrorVerification
	SlotVerifyErrorRollbackIndex
	SlotVerifyErrorPublicKeyRejected
	SlotVerifyErrorInvalidMetadata
	SlotVerifyErrorUnsupportedVersion
	SlotVerifyErrorInvalidArgument
)

func (r SlotVerifyResult) String() string {
	switch r {
	case SlotVerifyOK:
		return "OK"
	case SlotVerifyErrorOOM:
		return "ERROR_OOM"
	case SlotVerifyErrorIO:
		return "ERROR_IO"
	case SlotVerifyErrorVerification:
		return "ERROR_VERIFICATION"
	case SlotVerifyErrorRollbackIndex:
		return "ERROR_ROLLBACK_INDEX"
	case SlotVerifyErrorPublicKeyRejected:
		return "ERROR_PUBLIC_KEY_REJECTED"
	case SlotVerifyErrorInvalidMetadata:
		return "ERROR_INVALID_METADATA"
	case SlotVerifyErrorUnsupportedVersion:
		return "ERROR_UNSUPPORTED_VERSION"
	case SlotVerifyErrorInvalidArgument:
		return "ERROR_INVALID_ARGUMENT"
	default:
		return fmt.Sprintf("SlotVerifyResult(%d)", int(r))
	}
}

// Recoverable reports whether the result may be tolerated with SlotVerifyFlagsAllowVerificationError.
func (r SlotVerifyResult) Recoverable() bool {
	switch r { //nolint:exhaustive
	case SlotVerifyErrorVerification, SlotVerifyErrorRollbackIndex, SlotVerifyErrorPublicKeyRejected:
		return true
	default:
		return false
	}
}

// VerifyError is returned by SlotVerifier on any result other than SlotVerifyOK.
type VerifyError struct {
	Err    error
	Result SlotVerifyResult
}

// Error implements error interface.
func (e *VerifyError) Error() string {
	if e.Err == nil {
		return e.Result.String()
	}

	return fmt.Sprintf("%s: %s", e.Result, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *VerifyError) Unwrap() error {
	return e.Err
}

// NewVerifyError creates a VerifyError.
func NewVerifyError(result SlotVerifyResult, format string, args ...any) error {
	return &VerifyError{
		Result: result,
		Err:    fmt.Errorf(format, args...),
	}
}

// ResultOf classifies the error returned by SlotVerifier.
//
// Errors which are not VerifyError are treated as I/O failures.
func ResultOf(err error) SlotVerifyResult {
	if err == nil {
		return SlotVerifyOK
	}

	var verr *VerifyError

	if errors.As(err, &verr) {
		return verr.Result
	}

	return SlotVerifyErrorIO
}

// SlotVerifier is the verification primitive.
//
// On success SlotVerify returns the slot data and nil error.
// If the verification failed with a recoverable result and SlotVerifyFlagsAllowVerificationError was set,
// SlotVerify returns both the slot data and a VerifyError.
type SlotVerifier interface {
	SlotVerify(ctx context.Context, partitions []string, suffix string, flags SlotVerifyFlags) (*SlotData, error)
}

// ABFlowResult is the result of the A/B flow.
type ABFlowResult int

// A/B flow results.
const (
	ABFlowOK ABFlowResult = iota
	ABFlowOKWithVerificationError
	ABFlowErrorOOM
	ABFlowErrorIO
	ABFlowErrorNoBootableSlots
	ABFlowErrorInvalidArgument
)

func (r ABFlowResult) String() string {
	switch r {
	case ABFlowOK:
		return "OK"
	case ABFlowOKWithVerificationError:
		return "OK_WITH_VERIFICATION_ERROR"
	case ABFlowErrorOOM:
		return "ERROR_OOM"
	case ABFlowErrorIO:
		return "ERROR_IO"
	case ABFlowErrorNoBootableSlots:
		return "ERROR_NO_BOOTABLE_SLOTS"
	case ABFlowErrorInvalidArgument:
		return "ERROR_INVALID_ARGUMENT"
	default:
		return fmt.Sprintf("ABFlowResult(%d)", int(r))
	}
}
