// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package adv_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/bootavb/internal/pkg/adv"
)

func TestMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	_, err := adv.Decode(make([]byte, adv.Size))
	require.Error(t, err)

	r := adv.New()

	assert.True(t, r.Set(1, []byte("value1")))
	assert.True(t, r.Set(2, []byte("value2")))
	assert.True(t, r.Set(3, []byte("value3")))
	assert.False(t, r.Set(adv.End, []byte("end")))

	b, err := r.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, adv.Size)

	again, err := r.Bytes()
	require.NoError(t, err)
	assert.Equal(t, b, again)

	// test recoverable corruption
	for _, c := range []struct {
		zeroOut [][2]int
	}{
		{},
		{
			zeroOut: [][2]int{
				{0, 2},
			},
		},
		{
			zeroOut: [][2]int{
				{30, 1000},
			},
		},
		{
			zeroOut: [][2]int{
				{8, 4},
				{40, 2},
			},
		},
		{
			zeroOut: [][2]int{
				{0, adv.Length},
			},
		},
		{
			zeroOut: [][2]int{
				{adv.Length, adv.Length},
			},
		},
	} {
		corrupted := bytes.Clone(b)

		for _, z := range c.zeroOut {
			copy(corrupted[z[0]:z[0]+z[1]], make([]byte, z[1]))
		}

		decoded, err := adv.Decode(corrupted)
		require.NoError(t, err)

		for tag, expected := range map[adv.Tag]string{1: "value1", 2: "value2", 3: "value3"} {
			val, ok := decoded.Get(tag)
			assert.True(t, ok)
			assert.Equal(t, expected, string(val))
		}
	}

	// both copies corrupted
	corrupted := bytes.Clone(b)
	corrupted[100] ^= 0xff
	corrupted[adv.Length+100] ^= 0xff

	_, err = adv.Decode(corrupted)
	require.Error(t, err)
}

func TestSetOverflow(t *testing.T) {
	t.Parallel()

	r := adv.New()

	assert.True(t, r.Set(1, make([]byte, adv.DataLength-8)))
	assert.False(t, r.Set(2, []byte{0}))

	// replacing a value takes its old size into account
	assert.True(t, r.Set(1, make([]byte, 16)))
	assert.True(t, r.Set(2, []byte{0}))

	assert.True(t, r.Delete(2))
	assert.False(t, r.Delete(2))

	_, ok := r.Get(2)
	assert.False(t, ok)
}
