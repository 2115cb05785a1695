// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lockstate reads the device unlock state, repairing an unreadable store once.
package lockstate

import (
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Manager reads the device unlock state.
type Manager struct {
	ops    avb.LockOps
	logger *zap.Logger
}

// NewManager creates a Manager.
func NewManager(ops avb.LockOps, logger *zap.Logger) *Manager {
	return &Manager{
		ops:    ops,
		logger: logger,
	}
}

// ReadUnlocked returns true if the device is unlocked.
//
// If the state can't be read, "unlocked" is written and the state is read back once.
// If the second read fails as well, the device is treated as locked.
// The value read back wins even if the write failed.
func (m *Manager) ReadUnlocked() bool {
	unlocked, err := m.ops.ReadIsDeviceUnlocked()
	if err == nil {
		return unlocked
	}

	m.logger.Warn("error reading lock state, resetting", zap.Error(err))

	if err = m.ops.WriteIsDeviceUnlocked(true); err != nil {
		m.logger.Warn("error writing lock state", zap.Error(err))
	}

	unlocked, err = m.ops.ReadIsDeviceUnlocked()
	if err != nil {
		m.logger.Error("error reading lock state after reset, assuming locked", zap.Error(err))

		return false
	}

	return unlocked
}
