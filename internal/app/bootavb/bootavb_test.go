// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootavb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/bootavb/internal/app/bootavb"
	"github.com/siderolabs/bootavb/internal/pkg/bcb"
	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
	"github.com/siderolabs/bootavb/internal/pkg/config"
	"github.com/siderolabs/bootavb/internal/pkg/environment"
	"github.com/siderolabs/bootavb/internal/pkg/flow"
	"github.com/siderolabs/bootavb/internal/pkg/kexec"
	"github.com/siderolabs/bootavb/internal/pkg/partition"
	"github.com/siderolabs/bootavb/pkg/avb"
	"github.com/siderolabs/bootavb/pkg/avb/avbtest"
)

type recorder struct {
	commands []string
}

func (r *recorder) Run(_ context.Context, command string) error {
	r.commands = append(r.commands, command)

	return nil
}

type DeviceSuite struct {
	suite.Suite

	cfg      *config.Config
	dir      *partition.Dir
	verifier *avbtest.Verifier
	booter   *kexec.DryRun
	runner   *recorder
}

func (suite *DeviceSuite) SetupTest() {
	root := suite.T().TempDir()

	suite.cfg = config.Default()
	suite.cfg.PartitionDir = filepath.Join(root, "partitions")
	suite.cfg.Environment = filepath.Join(root, "bootavb.env")
	suite.cfg.Arch = "arm64"

	suite.dir = partition.NewDir(suite.cfg.PartitionDir)

	for _, name := range []string{"boot_a", "boot_b", "system_a", "system_b", "vbmeta_a", "vbmeta_b"} {
		suite.Require().NoError(suite.dir.Create(name, 4096))
	}

	suite.verifier = &avbtest.Verifier{
		Results: map[string]avb.SlotVerifyResult{},
	}
	suite.booter = kexec.NewDryRun(zaptest.NewLogger(suite.T()))
	suite.runner = &recorder{}
}

func (suite *DeviceSuite) writeEnv(vars environment.Vars) {
	suite.Require().NoError(environment.Save(suite.cfg.Environment, vars))
}

func (suite *DeviceSuite) open() *bootavb.Device {
	d, err := bootavb.Open(suite.cfg, zaptest.NewLogger(suite.T()),
		bootavb.WithSlotVerifier(suite.verifier),
		bootavb.WithBooter(suite.booter),
		bootavb.WithFastbootRunner(suite.runner),
	)
	suite.Require().NoError(err)

	suite.T().Cleanup(func() { suite.Require().NoError(d.Close()) })

	suite.Require().NoError(d.Provision())

	return d
}

func (suite *DeviceSuite) TestProvision() {
	d := suite.open()

	for name, size := range map[string]uint64{
		avb.PartitionMisc:     bootavb.MiscSize,
		avb.PartitionSecurity: bootavb.SecuritySize,
	} {
		actual, err := suite.dir.GetSizeOfPartition(name)
		suite.Require().NoError(err)
		suite.Assert().Equal(size, actual)
	}

	data, err := d.AB.Read()
	suite.Require().NoError(err)
	suite.Assert().EqualValues(15, data.Slots[0].Priority)
	suite.Assert().EqualValues(14, data.Slots[1].Priority)

	unlocked, err := d.Secure.ReadIsDeviceUnlocked()
	suite.Require().NoError(err)
	suite.Assert().True(unlocked)

	// provisioning is repeatable
	suite.Require().NoError(d.Provision())
}

func (suite *DeviceSuite) TestBootRecoveryFromRebootMode() {
	suite.writeEnv(environment.Vars{
		environment.Bootargs:   "console=ttyS2,1500000",
		environment.RebootMode: "recovery",
		environment.KernelAddr: "0x10280800",
		environment.SerialNo:   "c3d9b8674f4b94f6",
	})

	d := suite.open()

	res, err := d.Boot(context.Background(), bootavb.FlowRequest{Variant: flow.VariantVerify})
	suite.Require().NoError(err)

	suite.Assert().Equal(flow.StateBoot, res.Final())
	suite.Assert().True(res.Booted)
	suite.Assert().Equal(flow.ModeRecovery, res.Mode)
	suite.Assert().True(res.RebootModeConsumed)
	suite.Assert().Equal(cmdline.TrustOrange, res.TrustState)
	suite.Assert().EqualValues(0x10280000, res.LoadAddress)
	suite.Assert().Equal(
		"root=PARTUUID="+uuidOf(suite.dir, "system_a")+
			" console=ttyS2,1500000 androidboot.slot_suffix=_a androidboot.serialno=c3d9b8674f4b94f6 androidboot.verifiedbootstate=orange",
		res.Cmdline,
	)

	suite.Require().NotNil(suite.booter.Last)
	suite.Assert().Equal([]byte("image:boot_a"), suite.booter.Last.Kernel)

	// the reboot mode is transient
	env, err := environment.Load(suite.cfg.Environment)
	suite.Require().NoError(err)
	suite.Assert().NotContains(env, environment.RebootMode)
	suite.Assert().Equal("console=ttyS2,1500000", env.Get(environment.Bootargs))
}

func (suite *DeviceSuite) TestKernelAddrOverride() {
	d := suite.open()

	opts, err := d.FlowOptions(bootavb.FlowRequest{
		Variant:    flow.VariantABOnly,
		KernelAddr: pointer.To[uint64](0x2000_0000),
		RebootMode: pointer.To("recovery"),
	})
	suite.Require().NoError(err)

	suite.Assert().EqualValues(0x2000_0000, opts.LoadAddress)
	suite.Assert().Equal("recovery", opts.RebootMode)
	suite.Assert().Equal(flow.VariantABOnly, opts.Variant)

	opts, err = d.FlowOptions(bootavb.FlowRequest{Variant: flow.VariantLegacy})
	suite.Require().NoError(err)

	// config default, aligned down for arm64
	suite.Assert().EqualValues(0x00800000, opts.LoadAddress)
	suite.Assert().Empty(opts.RebootMode)
}

func (suite *DeviceSuite) TestBootloaderOneShot() {
	suite.writeEnv(environment.Vars{
		environment.FastbootCmd: "fastboot usb 1",
	})

	d := suite.open()

	suite.Require().NoError(d.BCB.Write(&bcb.Message{Command: bcb.CommandBootloaderOnce}))

	res, err := d.Boot(context.Background(), bootavb.FlowRequest{Variant: flow.VariantVerify})
	suite.Require().NoError(err)

	suite.Assert().Equal(flow.StateFallback, res.Final())
	suite.Assert().Equal([]string{"fastboot usb 1"}, suite.runner.commands)
	suite.Assert().Nil(suite.booter.Last)

	msg, err := d.BCB.Read()
	suite.Require().NoError(err)
	suite.Assert().Empty(msg.Command)
}

func (suite *DeviceSuite) TestInvalidConfig() {
	suite.cfg.Disk = "/dev/sda"

	_, err := bootavb.Open(suite.cfg, zaptest.NewLogger(suite.T()))
	suite.Require().Error(err)
}

func uuidOf(dir *partition.Dir, name string) string {
	guid, err := dir.GetUniqueGUIDForPartition(name)
	if err != nil {
		panic(err)
	}

	return guid.String()
}

func TestDeviceSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(DeviceSuite))
}

func TestMissingEnvironment(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.PartitionDir = t.TempDir()
	cfg.Environment = filepath.Join(t.TempDir(), "missing.env")

	d, err := bootavb.Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Empty(t, d.Env)

	_, err = os.Stat(cfg.Environment)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
