// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package flow implements the boot flow state machine.
//
// The flow reads the bootloader control block, picks the slot, verifies it (depending on the variant),
// assembles the kernel command line and hands off to the kernel. Any failure routes to the fastboot fallback.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/internal/pkg/automaton"
	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
	"github.com/siderolabs/bootavb/internal/pkg/fallback"
	"github.com/siderolabs/bootavb/internal/pkg/lockstate"
	"github.com/siderolabs/bootavb/internal/pkg/verifier"
	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/abflow"
)

// RequestedPartitions are verified in the verify flow.
var RequestedPartitions = []string{avb.PartitionBoot, avb.PartitionSystem}

// BootRequest is handed to the Booter.
type BootRequest struct {
	Kernel      []byte
	Cmdline     string
	LoadAddress uint64
}

// Booter hands off to the kernel.
//
// A successful Boot doesn't return control to the flow in a real hand-off.
type Booter interface {
	Boot(ctx context.Context, req BootRequest) error
}

// State names the flow states.
type State string

// Flow states.
const (
	StateStart            State = "Start"
	StateModeResolved     State = "ModeResolved"
	StateVerifyAttempted  State = "VerifyAttempted"
	StateSlotSelected     State = "SlotSelected"
	StateLegacySelected   State = "LegacySelected"
	StateCommandLineReady State = "CommandLineReady"
	StateBoot             State = "Boot"
	StateFallback         State = "Fallback"
)

// Options are the per-boot inputs of the flow.
type Options struct {
	// Bootargs are the base kernel arguments.
	Bootargs string
	// RebootMode is the transient reboot mode request.
	RebootMode string
	// Serial is the device serial number.
	Serial string

	Variant         Variant
	LoadAddress     uint64
	CmdlineCapacity int
}

// Result describes the completed flow.
type Result struct {
	// Reason why the fallback was entered.
	Reason error

	Mode            Mode
	Variant         Variant
	Outcome         verifier.Outcome
	TrustState      cmdline.TrustState
	SlotSuffix      string
	RootUUID        uuid.UUID
	Cmdline         string
	LoadAddress     uint64
	FallbackCommand string
	States          []State

	Unlocked bool
	// OneShotCleared is set when a one-shot command was consumed from the control block.
	OneShotCleared bool
	// RebootModeConsumed is set when the reboot mode request decided the boot mode.
	RebootModeConsumed bool
	Booted             bool
}

// Final returns the terminal state.
func (r *Result) Final() State {
	if len(r.States) == 0 {
		return ""
	}

	return r.States[len(r.States)-1]
}

// Visited reports whether the flow went through the state.
func (r *Result) Visited(s State) bool {
	for _, state := range r.States {
		if state == s {
			return true
		}
	}

	return false
}

// Deps are the collaborators of the Controller.
type Deps struct {
	Partitions avb.PartitionOps
	BCB        *bcb.Accessor
	Lock       *lockstate.Manager
	Verifier   *verifier.Verifier
	AB         *abflow.Flow
	Booter     Booter
	Fallback   *fallback.Dispatcher
}

// Controller runs the boot flow.
type Controller struct {
	deps   Deps
	logger *zap.Logger
}

// NewController creates a Controller.
func NewController(deps Deps, logger *zap.Logger) *Controller {
	return &Controller{
		deps:   deps,
		logger: logger,
	}
}

// Run the flow once.
//
// Every boot attempt re-reads the persisted state, nothing is cached in the Controller.
// The returned error is the error of the terminal action: either the kernel hand-off or the fastboot command.
func (c *Controller) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.CmdlineCapacity == 0 {
		opts.CmdlineCapacity = cmdline.DefaultCapacity
	}

	b := &attempt{
		Controller: c,
		opts:       opts,
		result: &Result{
			Variant:     opts.Variant,
			LoadAddress: opts.LoadAddress,
		},
	}

	err := automaton.New(start, b).Run(ctx, c.logger, automaton.WithAfterFunc(b.terminated))

	c.logger.Info("boot flow finished",
		zap.Stringer("mode", b.result.Mode),
		zap.Stringer("variant", b.result.Variant),
		zap.String("final", string(b.result.Final())),
		zap.Bool("booted", b.result.Booted),
		zap.Error(err),
	)

	return b.result, err
}

// attempt is the state of a single boot attempt.
type attempt struct {
	*Controller

	opts   Options
	result *Result

	msg    *bcb.Message
	kernel []byte
	extra  string
}

type stateFunc = automaton.StateFunc[*attempt]

func (b *attempt) enter(logger *zap.Logger, s State) {
	b.result.States = append(b.result.States, s)

	logger.Debug("flow state", zap.String("state", string(s)))
}

// ErrNotTerminated is returned when the flow stops outside of Boot and Fallback.
var ErrNotTerminated = errors.New("boot flow stopped before a terminal state")

// terminated checks that the flow stopped in a terminal state.
func (b *attempt) terminated() error {
	switch final := b.result.Final(); final {
	case StateBoot, StateFallback:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrNotTerminated, final)
	}
}

// fail records the reason and routes to the fallback.
func (b *attempt) fail(logger *zap.Logger, reason error) (stateFunc, error) {
	logger.Error("boot flow failed", zap.Error(reason))

	b.result.Reason = reason

	return fallbackState, nil
}

func (b *attempt) resolveRoot(name string) (uuid.UUID, error) {
	guid, err := b.deps.Partitions.GetUniqueGUIDForPartition(name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error resolving unique GUID of partition %q: %w", name, err)
	}

	return guid, nil
}

func (b *attempt) readPartition(name string) ([]byte, error) {
	size, err := b.deps.Partitions.GetSizeOfPartition(name)
	if err != nil {
		return nil, fmt.Errorf("error getting size of partition %q: %w", name, err)
	}

	buf := make([]byte, size)

	n, err := b.deps.Partitions.ReadFromPartition(name, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("error reading partition %q: %w", name, err)
	}

	return buf[:n], nil
}
