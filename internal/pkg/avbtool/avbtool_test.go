// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package avbtool_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/bootavb/internal/pkg/avbtool"
	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/avbtest"
)

// fakeAVBTool stands in for avbtool: the vbmeta image is a list of key=value lines.
const fakeAVBTool = `#!/bin/sh
command="$1"
shift

image=""
key=""

while [ $# -gt 0 ]; do
	case "$1" in
		--image) image="$2"; shift ;;
		--key) key="$2"; shift ;;
	esac
	shift
done

case "$command" in
	verify_image)
		if grep -q "^signature=bad" "$image"; then
			echo "Signature check failed for $image" >&2
			exit 1
		fi

		if [ -n "$key" ] && ! grep -q "^key=$(cat "$key")" "$image"; then
			echo "Embedded public key does not match given key." >&2
			exit 1
		fi

		dir=$(dirname "$image")

		for p in boot system; do
			if grep -q "^tamper=$p" "$image" || grep -q "tampered" "$dir/$p.img" 2>/dev/null; then
				echo "$p: digest mismatch" >&2
				exit 1
			fi
		done

		echo "Verifying image $image using embedded public key"
		;;
	info_image)
		version=$(sed -n 's/^version=//p' "$image")
		rollback=$(sed -n 's/^rollback=//p' "$image")
		location=$(sed -n 's/^location=//p' "$image")

		echo "Minimum libavb version:   ${version:-1.0}"
		echo "Header Block:             256 bytes"
		echo "Rollback Index:           ${rollback:-0}"
		echo "Flags:                    0"
		echo "Rollback Index Location:  ${location:-0}"
		echo "Descriptors:"

		sed -n 's/^cmdline=//p' "$image" | while read -r line; do
			echo "    Kernel Cmdline descriptor:"
			echo "      Flags:                 0"
			echo "      Kernel Cmdline:        '$line'"
		done
		;;
	*)
		echo "unknown command $command" >&2
		exit 2
		;;
esac
`

type VerifierSuite struct {
	suite.Suite

	binary     string
	partitions *avbtest.Partitions
	secure     *avbtest.Secure
}

func (suite *VerifierSuite) SetupTest() {
	if _, err := exec.LookPath("sh"); err != nil {
		suite.T().Skip("no shell available")
	}

	suite.binary = filepath.Join(suite.T().TempDir(), "avbtool")
	suite.Require().NoError(os.WriteFile(suite.binary, []byte(fakeAVBTool), 0o755))

	suite.partitions = avbtest.NewPartitions(nil)
	suite.secure = &avbtest.Secure{}

	for _, suffix := range avb.SlotSuffixes {
		suite.partitions.Add(avb.PartitionBoot+suffix, []byte("kernel"+suffix))
		suite.partitions.Add(avb.PartitionSystem+suffix, []byte("system"+suffix))
		suite.setVBMeta(suffix, "rollback=2\ncmdline=root=PARTUUID=$(ANDROID_SYSTEM_PARTUUID) ro\ncmdline=quiet\n")
	}
}

func (suite *VerifierSuite) setVBMeta(suffix, contents string) {
	suite.partitions.Add(avb.PartitionVBMeta+suffix, []byte(contents))
}

func (suite *VerifierSuite) verifier(opts ...avbtool.Option) *avbtool.Verifier {
	return avbtool.New(suite.partitions, suite.secure, zaptest.NewLogger(suite.T()), append([]avbtool.Option{avbtool.WithBinary(suite.binary)}, opts...)...)
}

func (suite *VerifierSuite) TestOK() {
	data, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot, avb.PartitionSystem}, "_b", avb.SlotVerifyFlagsNone)
	suite.Require().NoError(err)

	suite.Assert().Equal("_b", data.ABSuffix)
	suite.Assert().Equal("root=PARTUUID="+suite.partitions.GUID("system_b").String()+" ro quiet", data.Cmdline)
	suite.Assert().EqualValues(2, data.RollbackIndexes[0])

	kernel, ok := data.Partition(avb.PartitionBoot)
	suite.Require().True(ok)
	suite.Assert().Equal([]byte("kernel_b"), kernel)

	suite.Require().Len(data.LoadedPartitions, 2)
	suite.Assert().Equal("system_b", data.LoadedPartitions[1].Name)
}

func (suite *VerifierSuite) TestVerificationError() {
	suite.setVBMeta("_a", "rollback=2\nsignature=bad\n")

	data, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Require().Error(err)
	suite.Assert().Nil(data)
	suite.Assert().Equal(avb.SlotVerifyErrorVerification, avb.ResultOf(err))

	data, err = suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsAllowVerificationError)
	suite.Require().Error(err)
	suite.Require().NotNil(data)
	suite.Assert().Equal(avb.SlotVerifyErrorVerification, avb.ResultOf(err))

	kernel, ok := data.Partition(avb.PartitionBoot)
	suite.Require().True(ok)
	suite.Assert().Equal([]byte("kernel_a"), kernel)
}

func (suite *VerifierSuite) TestTamperedPartition() {
	suite.partitions.Add("system_a", []byte("tampered"))

	_, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot, avb.PartitionSystem}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorVerification, avb.ResultOf(err))
}

func (suite *VerifierSuite) TestKey() {
	key := filepath.Join(suite.T().TempDir(), "key.pem")
	suite.Require().NoError(os.WriteFile(key, []byte("trusted"), 0o600))

	_, err := suite.verifier(avbtool.WithKey(key)).SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorVerification, avb.ResultOf(err))

	suite.setVBMeta("_a", "rollback=2\nkey=trusted\n")

	_, err = suite.verifier(avbtool.WithKey(key)).SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().NoError(err)
}

func (suite *VerifierSuite) TestRollbackIndex() {
	suite.secure.RollbackIndexes[3] = 5
	suite.setVBMeta("_a", "rollback=4\nlocation=3\n")

	_, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorRollbackIndex, avb.ResultOf(err))

	suite.setVBMeta("_a", "rollback=5\nlocation=3\n")

	data, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Require().NoError(err)
	suite.Assert().EqualValues(5, data.RollbackIndexes[3])
}

func (suite *VerifierSuite) TestUnsupportedVersion() {
	suite.setVBMeta("_a", "rollback=1\nversion=2.0\n")

	_, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsAllowVerificationError)
	suite.Assert().Equal(avb.SlotVerifyErrorUnsupportedVersion, avb.ResultOf(err))
}

func (suite *VerifierSuite) TestMissingPartition() {
	_, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot, "vendor"}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorIO, avb.ResultOf(err))
	suite.Assert().ErrorIs(err, os.ErrNotExist)
}

func (suite *VerifierSuite) TestInvalidSuffix() {
	_, err := suite.verifier().SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_c", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorInvalidArgument, avb.ResultOf(err))
}

func (suite *VerifierSuite) TestMissingBinary() {
	v := avbtool.New(suite.partitions, suite.secure, zaptest.NewLogger(suite.T()), avbtool.WithBinary(filepath.Join(suite.T().TempDir(), "missing")))

	_, err := v.SlotVerify(context.Background(), []string{avb.PartitionBoot}, "_a", avb.SlotVerifyFlagsNone)
	suite.Assert().Equal(avb.SlotVerifyErrorIO, avb.ResultOf(err))
}

func TestVerifierSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(VerifierSuite))
}

func TestParseInfo(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		out  string

		expected    *avbtool.Info
		expectedErr string
	}{
		{
			name: "full",
			out: `Minimum libavb version:   1.0
Header Block:             256 bytes
Authentication Block:     320 bytes
Auxiliary Block:          1344 bytes
Public key (sha1):        cdbb77177f731920bbe0a0f94f84d9038ae0617d
Algorithm:                SHA256_RSA2048
Rollback Index:           7
Flags:                    0
Rollback Index Location:  1
Release String:           'avbtool 1.2.0'
Descriptors:
    Kernel Cmdline descriptor:
      Flags:                 1
      Kernel Cmdline:        'dm="1 vroot none ro 1,0 2056 verity 1"'
    Kernel Cmdline descriptor:
      Flags:                 2
      Kernel Cmdline:        'root=PARTUUID=$(ANDROID_SYSTEM_PARTUUID)'
`,
			expected: &avbtool.Info{
				MinLibavbVersion:      "1.0",
				RollbackIndex:         7,
				RollbackIndexLocation: 1,
				Cmdline: []string{
					`dm="1 vroot none ro 1,0 2056 verity 1"`,
					"root=PARTUUID=$(ANDROID_SYSTEM_PARTUUID)",
				},
			},
		},
		{
			name: "chain partition descriptor",
			out: `Minimum libavb version:   1.0
Rollback Index:           3
Flags:                    0
Rollback Index Location:  0
Descriptors:
    Chain Partition descriptor:
      Partition Name:          vbmeta_system
      Rollback Index Location: 2
      Public key (sha1):       2597c218aae470a130f61162feaae70afd97f011
    Kernel Cmdline descriptor:
      Flags:                 0
      Kernel Cmdline:        'console=ttyS2'
`,
			expected: &avbtool.Info{
				MinLibavbVersion:      "1.0",
				RollbackIndex:         3,
				RollbackIndexLocation: 0,
				Cmdline:               []string{"console=ttyS2"},
			},
		},
		{
			name: "old avbtool",
			out: `Minimum libavb version:   1.0
Rollback Index:           0
`,
			expected: &avbtool.Info{
				MinLibavbVersion: "1.0",
			},
		},
		{
			name:        "no rollback index",
			out:         "Minimum libavb version:   1.0\n",
			expectedErr: "no rollback index in vbmeta",
		},
		{
			name:        "future version",
			out:         "Minimum libavb version:   2.1\nRollback Index: 0\n",
			expectedErr: "unsupported libavb version 2.1",
		},
		{
			name:        "location out of range",
			out:         "Rollback Index: 0\nRollback Index Location: 32\n",
			expectedErr: "rollback index location 32 out of range",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			info, err := avbtool.ParseInfo(test.out)

			if test.expectedErr != "" {
				require.EqualError(t, err, test.expectedErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expected, info)
		})
	}
}
