// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmdline_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
)

var rootUUID = uuid.MustParse("3c8f4e2e-1dd2-4a5b-9f6d-8f3c9e6d7c3b")

func TestAssemble(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		spec cmdline.Spec

		expected string
	}{
		{
			name:     "empty",
			expected: "",
		},
		{
			name: "A/B only",
			spec: cmdline.Spec{
				RootUUID:   rootUUID,
				Bootargs:   "console=ttyS2,1500000 earlycon",
				SlotSuffix: "_b",
				ModeFlags:  []string{cmdline.FlagSkipInitramfs},
			},
			expected: "root=PARTUUID=3c8f4e2e-1dd2-4a5b-9f6d-8f3c9e6d7c3b console=ttyS2,1500000 earlycon androidboot.slot_suffix=_b skip_initramfs",
		},
		{
			name: "verified",
			spec: cmdline.Spec{
				RootUUID:   rootUUID,
				SlotSuffix: "_a",
				Serial:     "c3d9b8674f4b94f6",
				TrustState: cmdline.TrustOrange,
				Extra:      "  dm=\"1 vroot\" ",
			},
			expected: "root=PARTUUID=3c8f4e2e-1dd2-4a5b-9f6d-8f3c9e6d7c3b androidboot.slot_suffix=_a androidboot.serialno=c3d9b8674f4b94f6 " +
				"androidboot.verifiedbootstate=orange dm=\"1 vroot\"",
		},
		{
			name: "slot supplies root",
			spec: cmdline.Spec{
				RootUUID:   rootUUID,
				SlotSuffix: "_a",
				TrustState: cmdline.TrustGreen,
				Extra:      "root=/dev/dm-0 ro",
			},
			expected: "androidboot.slot_suffix=_a androidboot.verifiedbootstate=green root=/dev/dm-0 ro",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			line, err := cmdline.Assemble(test.spec, cmdline.DefaultCapacity)
			require.NoError(t, err)
			assert.Equal(t, test.expected, line)

			again, err := cmdline.Assemble(test.spec, cmdline.DefaultCapacity)
			require.NoError(t, err)
			assert.Equal(t, line, again)
		})
	}
}

func TestAssembleOrder(t *testing.T) {
	t.Parallel()

	line, err := cmdline.Assemble(cmdline.Spec{
		RootUUID:   rootUUID,
		ModeFlags:  []string{cmdline.FlagSkipInitramfs},
		TrustState: cmdline.TrustGreen,
		Extra:      "quiet",
	}, cmdline.DefaultCapacity)
	require.NoError(t, err)

	root := strings.Index(line, "root=")
	mode := strings.Index(line, cmdline.FlagSkipInitramfs)
	trust := strings.Index(line, cmdline.ParamVerifiedState)
	extra := strings.Index(line, "quiet")

	assert.Less(t, root, mode)
	assert.Less(t, mode, trust)
	assert.Less(t, trust, extra)

	parsed := cmdline.Parse(line)
	assert.Equal(t, pointer.To("green"), parsed.Get(cmdline.ParamVerifiedState).First())
}

func TestAssembleCapacity(t *testing.T) {
	t.Parallel()

	spec := cmdline.Spec{
		SlotSuffix: "_a",
		Extra:      strings.Repeat("x", 100),
	}

	_, err := cmdline.Assemble(spec, 64)
	require.ErrorIs(t, err, cmdline.ErrCapacityExceeded)

	line, err := cmdline.Assemble(spec, len("androidboot.slot_suffix=_a")+1+100)
	require.NoError(t, err)
	assert.Len(t, line, len("androidboot.slot_suffix=_a")+1+100)

	_, err = cmdline.Assemble(spec, 0)
	require.NoError(t, err)
}
