// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fallback routes control to the fastboot entry point.
package fallback

import (
	"context"
	"strings"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// DefaultCommand is used when no fastboot command is configured.
const DefaultCommand = "fastboot usb 0"

// Runner runs a command line.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// Dispatcher enters the fastboot mode.
type Dispatcher struct {
	runner  Runner
	logger  *zap.Logger
	command string
}

// NewDispatcher creates a Dispatcher with the configured fastboot command, which might be empty.
func NewDispatcher(runner Runner, command string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		runner:  runner,
		command: strings.TrimSpace(command),
		logger:  logger,
	}
}

// Command returns the configured fastboot command.
//
// If none is configured, DefaultCommand is returned together with an error tagged avb.ConfigMissing.
func (d *Dispatcher) Command() (string, error) {
	if d.command == "" {
		return DefaultCommand, xerrors.NewTaggedf[avb.ConfigMissing]("fastboot command is not set")
	}

	return d.command, nil
}

// Enter runs the fastboot command and returns the command line used.
//
// Control never goes back to the flow: the caller terminates with the returned error.
func (d *Dispatcher) Enter(ctx context.Context, reason error) (string, error) {
	command, err := d.Command()
	if err != nil {
		d.logger.Warn("using default fastboot command", zap.String("command", command), zap.Error(err))
	}

	d.logger.Info("entering fastboot", zap.String("command", command), zap.NamedError("reason", reason))

	return command, d.runner.Run(ctx, command)
}
