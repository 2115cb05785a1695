// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package kexec hands off to the selected kernel.
package kexec

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/internal/pkg/flow"
)

// DryRun implements flow.Booter by logging the hand-off.
type DryRun struct {
	logger *zap.Logger

	// Last is the last prepared image.
	Last *Image
}

// NewDryRun creates a DryRun booter.
func NewDryRun(logger *zap.Logger) *DryRun {
	return &DryRun{
		logger: logger,
	}
}

// Boot implements flow.Booter.
func (d *DryRun) Boot(_ context.Context, req flow.BootRequest) error {
	img, err := ParseImage(req.Kernel)
	if err != nil {
		return fmt.Errorf("failed to parse boot image: %w", err)
	}

	d.Last = img

	d.logger.Info("kernel ready",
		zap.String("kernel", humanize.IBytes(uint64(len(img.Kernel)))),
		zap.String("ramdisk", humanize.IBytes(uint64(len(img.Ramdisk)))),
		zap.Uint32("header_version", img.HeaderVersion),
		zap.Bool("raw", img.Raw),
		zap.String("load_address", fmt.Sprintf("0x%08x", req.LoadAddress)),
		zap.String("cmdline", req.Cmdline),
	)

	return nil
}
