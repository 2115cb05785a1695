// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/bootavb/internal/pkg/logging"
)

func TestNew(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := logging.New(&buf, false).With(logging.Component("bcb"))

	logger.Debug("hidden")
	logger.Info("command cleared", zap.String("command", "bootonce-bootloader"))

	assert.Equal(t, "INFO command cleared {\"component\": \"bcb\", \"command\": \"bootonce-bootloader\"}\n", buf.String())

	buf.Reset()

	logging.New(&buf, true).Debug("shown")

	assert.Equal(t, "DEBUG shown\n", buf.String())
}

func TestZapLoggerTee(t *testing.T) {
	t.Parallel()

	var info, debug bytes.Buffer

	logger := logging.ZapLogger(
		logging.NewLogDestination(&info, zapcore.InfoLevel, logging.WithoutTimestamp()),
		logging.NewLogDestination(&debug, zapcore.DebugLevel, logging.WithoutTimestamp()),
	)

	logger.Debug("verbose")
	logger.Warn("slot unbootable")

	assert.Equal(t, "WARN slot unbootable\n", info.String())
	assert.Equal(t, "DEBUG verbose\nWARN slot unbootable\n", debug.String())

	logging.ZapLogger().Info("discarded")
}
