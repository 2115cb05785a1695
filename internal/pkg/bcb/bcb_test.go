// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bcb_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/avbtest"
)

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	t.Parallel()

	buf := make([]byte, bcb.Size)
	copy(buf, "boot-recovery\x00garbage")
	copy(buf[32:], "ok")
	copy(buf[64:], "recovery\n--wipe_data\n")

	m, err := bcb.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, bcb.CommandRecovery, m.Command)
	assert.Equal(t, "ok", m.Status)
	assert.Equal(t, "recovery\n--wipe_data\n", m.Recovery)
	assert.Empty(t, m.Stage)
}

func TestEncode(t *testing.T) {
	t.Parallel()

	m := &bcb.Message{
		Command: bcb.CommandBootloaderOnce,
		Stage:   "1/2",
	}
	m.Reserved[0] = 0xaa

	buf, err := m.Encode()
	require.NoError(t, err)
	require.Len(t, buf, bcb.Size)

	decoded, err := bcb.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Command, decoded.Command)
	assert.Equal(t, m.Stage, decoded.Stage)
	assert.Equal(t, m.Reserved, decoded.Reserved)

	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, buf, again)

	m.Command = strings.Repeat("x", 32)

	_, err = m.Encode()
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[avb.UsageError](err))
}

func TestClearCommandKeepsOtherFields(t *testing.T) {
	t.Parallel()

	buf := make([]byte, bcb.Size)
	copy(buf, bcb.CommandBootloaderOnce)
	copy(buf[32:], strings.Repeat("s", 32))
	copy(buf[64:], "recovery\x00--wipe_data\n")
	copy(buf[0x340:], strings.Repeat("t", 32))
	buf[bcb.Size-1] = 0x55

	m, err := bcb.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("s", 32), m.Status)
	assert.Equal(t, "recovery", m.Recovery)

	m.ClearCommand()

	encoded, err := m.Encode()
	require.NoError(t, err)

	expected := append(make([]byte, 32), buf[32:]...)
	assert.Equal(t, expected, encoded)

	// a changed field must still fit with its terminating NUL
	m.Stage = strings.Repeat("u", 32)

	_, err = m.Encode()
	assert.True(t, xerrors.TagIs[avb.UsageError](err))
}

func TestAccessor(t *testing.T) {
	t.Parallel()

	parts := avbtest.NewPartitions(map[string]int{avb.PartitionMisc: 4096})
	accessor := bcb.NewAccessor(parts)

	m, err := accessor.Read()
	require.NoError(t, err)
	assert.Empty(t, m.Command)

	m.Command = bcb.CommandBootloaderOnce
	require.NoError(t, accessor.Write(m))

	m, err = accessor.Read()
	require.NoError(t, err)
	assert.True(t, m.IsOneShot())

	m.ClearCommand()
	require.NoError(t, accessor.Write(m))

	m, err = accessor.Read()
	require.NoError(t, err)
	assert.False(t, m.IsOneShot())
	assert.Empty(t, m.Command)
}

func TestAccessorErrors(t *testing.T) {
	t.Parallel()

	_, err := bcb.NewAccessor(avbtest.NewPartitions(nil)).Read()
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.True(t, xerrors.TagIs[avb.StorageError](err))

	parts := avbtest.NewPartitions(map[string]int{avb.PartitionMisc: 4096})
	parts.ReadErrors[avb.PartitionMisc] = errors.New("EIO")

	_, err = bcb.NewAccessor(parts).Read()
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))

	// misc partition too small to hold a control block
	_, err = bcb.NewAccessor(avbtest.NewPartitions(map[string]int{avb.PartitionMisc: 512})).Read()
	require.Error(t, err)
}
