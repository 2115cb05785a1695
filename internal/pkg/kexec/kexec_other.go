// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package kexec

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/internal/pkg/flow"
)

// Booter is not supported on this OS.
type Booter struct{}

// NewBooter creates a Booter.
func NewBooter(*zap.Logger) *Booter {
	return &Booter{}
}

// Boot implements flow.Booter.
func (b *Booter) Boot(context.Context, flow.BootRequest) error {
	return errors.New("kexec is only supported on Linux")
}
