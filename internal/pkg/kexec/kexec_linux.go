// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kexec

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/u-root/u-root/pkg/boot/kexec"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/bootavb/internal/pkg/flow"
)

// Booter implements flow.Booter with kexec_file_load.
//
// The load address is chosen by the kernel, the requested one is only logged.
type Booter struct {
	logger *zap.Logger
}

// NewBooter creates a Booter.
func NewBooter(logger *zap.Logger) *Booter {
	return &Booter{
		logger: logger,
	}
}

func memfd(name string, data []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memfdCreate: %w", err)
	}

	f := os.NewFile(uintptr(fd), name)

	if _, err = f.Write(data); err != nil {
		f.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		f.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to seek %s: %w", name, err)
	}

	return f, nil
}

// Boot loads the kernel and reboots into it.
func (b *Booter) Boot(ctx context.Context, req flow.BootRequest) error {
	img, err := ParseImage(req.Kernel)
	if err != nil {
		return fmt.Errorf("failed to parse boot image: %w", err)
	}

	kernel, err := memfd("vmlinux", img.Kernel)
	if err != nil {
		return err
	}

	defer kernel.Close() //nolint:errcheck

	var ramdisk *os.File

	if len(img.Ramdisk) > 0 {
		if ramdisk, err = memfd("initrd", img.Ramdisk); err != nil {
			return err
		}

		defer ramdisk.Close() //nolint:errcheck
	}

	if err = kexec.FileLoad(kernel, ramdisk, req.Cmdline); err != nil {
		return fmt.Errorf("failed to load kernel for kexec: %w", err)
	}

	b.logger.Info("prepared kexec environment",
		zap.String("cmdline", req.Cmdline),
		zap.String("requested_load_address", fmt.Sprintf("0x%08x", req.LoadAddress)),
	)

	if err = ctx.Err(); err != nil {
		return err
	}

	return kexec.Reboot()
}
