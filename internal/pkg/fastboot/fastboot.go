// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fastboot runs the fastboot entry point command line.
package fastboot

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Runner implements fallback.Runner by executing the command line.
type Runner struct {
	logger *zap.Logger
	dryRun bool
}

// NewRunner creates a Runner.
//
// In dry-run mode the command is only logged.
func NewRunner(logger *zap.Logger, dryRun bool) *Runner {
	return &Runner{
		logger: logger,
		dryRun: dryRun,
	}
}

// Split the command line into argv.
func Split(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, xerrors.NewTaggedf[avb.UsageError]("invalid fastboot command %q: %w", command, err)
	}

	if len(argv) == 0 {
		return nil, xerrors.NewTaggedf[avb.UsageError]("empty fastboot command")
	}

	return argv, nil
}

// Run the command line.
func (r *Runner) Run(ctx context.Context, command string) error {
	argv, err := Split(command)
	if err != nil {
		return err
	}

	if r.dryRun {
		r.logger.Info("would run fastboot command", zap.Strings("argv", argv))

		return nil
	}

	r.logger.Info("running fastboot command", zap.Strings("argv", argv))

	out, err := cmd.RunContext(ctx, argv[0], argv[1:]...)
	if out = strings.TrimSpace(out); out != "" {
		r.logger.Info("fastboot command output", zap.String("output", out))
	}

	if err != nil {
		return fmt.Errorf("fastboot command %q failed: %w", command, err)
	}

	return nil
}
