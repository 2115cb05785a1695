// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootavb wires the configured backends into a Device.
package bootavb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/internal/pkg/adv"
	"github.com/siderolabs/bootavb/internal/pkg/avbtool"
	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/internal/pkg/config"
	"github.com/siderolabs/bootavb/internal/pkg/environment"
	"github.com/siderolabs/bootavb/internal/pkg/fallback"
	"github.com/siderolabs/bootavb/internal/pkg/fastboot"
	"github.com/siderolabs/bootavb/internal/pkg/flow"
	"github.com/siderolabs/bootavb/internal/pkg/kexec"
	"github.com/siderolabs/bootavb/internal/pkg/lockstate"
	"github.com/siderolabs/bootavb/internal/pkg/logging"
	"github.com/siderolabs/bootavb/internal/pkg/partition"
	"github.com/siderolabs/bootavb/internal/pkg/secure"
	"github.com/siderolabs/bootavb/internal/pkg/verifier"
	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/abdata"
	"github.com/siderolabs/bootavb/pkg/avb/abflow"
)

// Minimum sizes of the partitions created by Provision.
const (
	MiscSize     = 4096
	SecuritySize = adv.Size
)

// Device is the set of collaborators built from the configuration.
type Device struct {
	Config *config.Config
	Env    environment.Vars

	Partitions   avb.PartitionOps
	Secure       *secure.Store
	AB           *abdata.Store
	ABFlow       *abflow.Flow
	SlotVerifier avb.SlotVerifier
	Verifier     *verifier.Verifier
	BCB          *bcb.Accessor
	Lock         *lockstate.Manager
	Booter       flow.Booter
	Fallback     *fallback.Dispatcher

	logger  *zap.Logger
	closers []io.Closer
}

// Option overrides the default collaborators.
type Option func(*Device)

// WithSlotVerifier replaces the avbtool verifier.
func WithSlotVerifier(v avb.SlotVerifier) Option {
	return func(d *Device) {
		d.SlotVerifier = v
	}
}

// WithBooter replaces the kernel hand-off.
func WithBooter(b flow.Booter) Option {
	return func(d *Device) {
		d.Booter = b
	}
}

// WithFastbootRunner replaces the fastboot command runner.
func WithFastbootRunner(r fallback.Runner) Option {
	return func(d *Device) {
		d.Fallback = fallback.NewDispatcher(r, d.Env.Get(environment.FastbootCmd), d.logger.With(logging.Component("fallback")))
	}
}

// Open the device described by the configuration.
func Open(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env, err := environment.Load(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	d := &Device{
		Config: cfg,
		Env:    env,
		logger: logger,
	}

	switch {
	case cfg.Disk != "":
		disk, err := partition.OpenDisk(cfg.Disk, logger.With(logging.Component("disk")))
		if err != nil {
			return nil, err
		}

		d.Partitions = disk
		d.closers = append(d.closers, disk)
	default:
		d.Partitions = partition.NewDir(cfg.PartitionDir)
	}

	d.Secure = secure.NewStore(d.Partitions)
	d.AB = abdata.NewStore(d.Partitions, logger.With(logging.Component("abdata")))
	d.BCB = bcb.NewAccessor(d.Partitions)
	d.Lock = lockstate.NewManager(d.Secure, logger.With(logging.Component("lockstate")))
	d.SlotVerifier = avbtool.New(d.Partitions, d.Secure, logger.With(logging.Component("avbtool")),
		avbtool.WithBinary(cfg.AVBTool),
		avbtool.WithKey(cfg.AVBKey),
	)

	if cfg.Kexec {
		d.Booter = kexec.NewBooter(logger.With(logging.Component("kexec")))
	} else {
		d.Booter = kexec.NewDryRun(logger.With(logging.Component("kexec")))
	}

	d.Fallback = fallback.NewDispatcher(
		fastboot.NewRunner(logger.With(logging.Component("fastboot")), !cfg.Kexec),
		env.Get(environment.FastbootCmd),
		logger.With(logging.Component("fallback")),
	)

	for _, o := range opts {
		o(d)
	}

	d.ABFlow = abflow.New(d.AB, d.SlotVerifier, d.Secure, logger.With(logging.Component("abflow")))
	d.Verifier = verifier.New(d.SlotVerifier, d.ABFlow, logger.With(logging.Component("verifier")))

	return d, nil
}

// Close the device.
func (d *Device) Close() error {
	var result *multierror.Error

	for _, c := range d.closers {
		result = multierror.Append(result, c.Close())
	}

	return result.ErrorOrNil()
}

// Provision creates the missing misc and security partitions of an image directory,
// resets the A/B metadata and makes sure the secure record is valid.
func (d *Device) Provision() error {
	if dir, ok := d.Partitions.(*partition.Dir); ok {
		for name, size := range map[string]int64{
			avb.PartitionMisc:     MiscSize,
			avb.PartitionSecurity: SecuritySize,
		} {
			if _, err := dir.GetSizeOfPartition(name); !errors.Is(err, os.ErrNotExist) {
				continue
			}

			if err := dir.Create(name, size); err != nil {
				return fmt.Errorf("failed to create %q: %w", name, err)
			}

			d.logger.Info("created partition image", zap.String("partition", name), zap.Int64("size", size))
		}
	}

	if err := d.AB.Init(); err != nil {
		return err
	}

	// repairs the record to the unlocked state if it's not valid
	d.Lock.ReadUnlocked()

	return nil
}

// FlowRequest are the CLI inputs of the boot flow.
type FlowRequest struct {
	Variant flow.Variant

	// KernelAddr overrides the load address if set.
	KernelAddr *uint64
	// RebootMode overrides the environment reboot_mode if set.
	RebootMode *string
}

// FlowOptions resolves the flow options from the request, environment and configuration.
func (d *Device) FlowOptions(req FlowRequest) (flow.Options, error) {
	opts := flow.Options{
		Variant:         req.Variant,
		Bootargs:        d.Env.Get(environment.Bootargs),
		Serial:          d.Env.Get(environment.SerialNo),
		RebootMode:      d.Env.Get(environment.RebootMode),
		CmdlineCapacity: d.Config.CmdlineCapacity,
	}

	if req.RebootMode != nil {
		opts.RebootMode = *req.RebootMode
	}

	addr, err := d.loadAddress(req.KernelAddr)
	if err != nil {
		return opts, err
	}

	opts.LoadAddress = flow.AlignLoadAddress(addr, d.Config.Arch)

	return opts, nil
}

func (d *Device) loadAddress(override *uint64) (uint64, error) {
	if override != nil {
		return *override, nil
	}

	addr, ok, err := d.Env.LoadAddress()
	if err != nil {
		return 0, err
	}

	if ok {
		return addr, nil
	}

	return d.Config.KernelLoadAddress()
}

// consumeRebootMode removes the transient reboot mode from the environment file.
func (d *Device) consumeRebootMode() error {
	if _, ok := d.Env[environment.RebootMode]; !ok {
		return nil
	}

	delete(d.Env, environment.RebootMode)

	return environment.Save(d.Config.Environment, d.Env)
}

// Boot runs the boot flow.
//
// The reboot mode from the environment applies to this boot only, so it's removed before the hand-off.
func (d *Device) Boot(ctx context.Context, req FlowRequest) (*flow.Result, error) {
	opts, err := d.FlowOptions(req)
	if err != nil {
		return nil, err
	}

	if err = d.consumeRebootMode(); err != nil {
		d.logger.Warn("failed to clear reboot mode", zap.Error(err))
	}

	controller := flow.NewController(flow.Deps{
		Partitions: d.Partitions,
		BCB:        d.BCB,
		Lock:       d.Lock,
		Verifier:   d.Verifier,
		AB:         d.ABFlow,
		Booter:     d.Booter,
		Fallback:   d.Fallback,
	}, d.logger.With(logging.Component("flow")))

	return controller.Run(ctx, opts)
}
