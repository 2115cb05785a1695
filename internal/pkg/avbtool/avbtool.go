// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package avbtool implements avb.SlotVerifier on top of the avbtool binary.
//
// The vbmeta and requested partitions of the slot are exported into a scratch directory
// under their un-suffixed names, so that avbtool can follow the hash and chain descriptors.
package avbtool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// DefaultBinary is looked up in $PATH.
const DefaultBinary = "avbtool"

// Cmdline placeholders substituted by the verifier.
const (
	PlaceholderSystemPartUUID = "$(ANDROID_SYSTEM_PARTUUID)"
	PlaceholderBootPartUUID   = "$(ANDROID_BOOT_PARTUUID)"
	PlaceholderVBMetaPartUUID = "$(ANDROID_VBMETA_PARTUUID)"
)

// Verifier runs avbtool against the slot partitions.
type Verifier struct {
	partitions avb.PartitionOps
	rollback   avb.RollbackOps
	logger     *zap.Logger

	binary string
	key    string
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithBinary sets the avbtool path.
func WithBinary(path string) Option {
	return func(v *Verifier) {
		if path != "" {
			v.binary = path
		}
	}
}

// WithKey sets the public key the vbmeta must be signed with.
//
// Without a key the embedded public key is accepted.
func WithKey(path string) Option {
	return func(v *Verifier) {
		v.key = path
	}
}

// New creates a Verifier.
func New(partitions avb.PartitionOps, rollback avb.RollbackOps, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		partitions: partitions,
		rollback:   rollback,
		logger:     logger,
		binary:     DefaultBinary,
	}

	for _, o := range opts {
		o(v)
	}

	return v
}

// SlotVerify implements avb.SlotVerifier.
//
//nolint:gocyclo
func (v *Verifier) SlotVerify(ctx context.Context, partitions []string, suffix string, flags avb.SlotVerifyFlags) (*avb.SlotData, error) {
	if _, err := avb.SlotIndex(suffix); err != nil {
		return nil, avb.NewVerifyError(avb.SlotVerifyErrorInvalidArgument, "%w", err)
	}

	if _, err := exec.LookPath(v.binary); err != nil {
		return nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "avbtool is not available: %w", err)
	}

	dir, err := os.MkdirTemp("", "bootavb-verify")
	if err != nil {
		return nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "failed to create scratch directory: %w", err)
	}

	defer os.RemoveAll(dir) //nolint:errcheck

	logger := v.logger.With(zap.String("slot", suffix))

	data := &avb.SlotData{
		ABSuffix: suffix,
	}

	vbmeta, _, err := v.export(dir, avb.PartitionVBMeta, suffix)
	if err != nil {
		return nil, err
	}

	for _, name := range partitions {
		_, image, err := v.export(dir, name, suffix)
		if err != nil {
			return nil, err
		}

		data.LoadedPartitions = append(data.LoadedPartitions, avb.LoadedPartition{
			Name: name + suffix,
			Data: image,
		})
	}

	info, err := v.info(ctx, vbmeta)
	if err != nil {
		return nil, err
	}

	data.RollbackIndexes[info.RollbackIndexLocation] = info.RollbackIndex
	data.Cmdline = v.substitute(strings.Join(info.Cmdline, " "), suffix)

	var verifyErr error

	args := []string{"verify_image", "--image", vbmeta, "--follow_chain_partitions"}

	if v.key != "" {
		args = append(args, "--key", v.key)
	}

	if _, err = cmd.RunContext(ctx, v.binary, args...); err != nil {
		if ctx.Err() != nil {
			return nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "verification interrupted: %w", ctx.Err())
		}

		verifyErr = avb.NewVerifyError(avb.SlotVerifyErrorVerification, "slot %s failed verification: %w", suffix, err)
	}

	if verifyErr == nil {
		stored, err := v.rollback.ReadRollbackIndex(info.RollbackIndexLocation)
		if err != nil {
			return nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "failed to read rollback index %d: %w", info.RollbackIndexLocation, err)
		}

		if info.RollbackIndex < stored {
			verifyErr = avb.NewVerifyError(avb.SlotVerifyErrorRollbackIndex,
				"slot %s rollback index %d is below the stored %d at location %d", suffix, info.RollbackIndex, stored, info.RollbackIndexLocation)
		}
	}

	if verifyErr != nil {
		logger.Warn("slot verification failed", zap.Error(verifyErr))

		if flags&avb.SlotVerifyFlagsAllowVerificationError == 0 {
			return nil, verifyErr
		}

		return data, verifyErr
	}

	logger.Debug("slot verified",
		zap.Strings("partitions", xslices.Map(data.LoadedPartitions, func(p avb.LoadedPartition) string { return p.Name })),
		zap.Uint64("rollback_index", info.RollbackIndex),
		zap.Int("rollback_index_location", info.RollbackIndexLocation),
	)

	return data, nil
}

// export copies the suffixed partition into dir/<name>.img.
func (v *Verifier) export(dir, name, suffix string) (string, []byte, error) {
	size, err := v.partitions.GetSizeOfPartition(name + suffix)
	if err != nil {
		return "", nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "failed to get size of %q: %w", name+suffix, err)
	}

	buf := make([]byte, size)

	n, err := v.partitions.ReadFromPartition(name+suffix, 0, buf)
	if err != nil {
		return "", nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "failed to read %q: %w", name+suffix, err)
	}

	path := filepath.Join(dir, name+".img")

	if err = os.WriteFile(path, buf[:n], 0o600); err != nil {
		return "", nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "failed to export %q: %w", name+suffix, err)
	}

	return path, buf[:n], nil
}

func (v *Verifier) info(ctx context.Context, vbmeta string) (*Info, error) {
	out, err := cmd.RunContext(ctx, v.binary, "info_image", "--image", vbmeta)
	if err != nil {
		if ctx.Err() != nil {
			return nil, avb.NewVerifyError(avb.SlotVerifyErrorIO, "info_image interrupted: %w", ctx.Err())
		}

		return nil, avb.NewVerifyError(avb.SlotVerifyErrorInvalidMetadata, "failed to parse vbmeta: %w", err)
	}

	info, err := ParseInfo(out)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, avb.NewVerifyError(avb.SlotVerifyErrorUnsupportedVersion, "%w", err)
		}

		return nil, avb.NewVerifyError(avb.SlotVerifyErrorInvalidMetadata, "%w", err)
	}

	return info, nil
}

func (v *Verifier) substitute(cmdline, suffix string) string {
	for placeholder, name := range map[string]string{
		PlaceholderSystemPartUUID: avb.PartitionSystem,
		PlaceholderBootPartUUID:   avb.PartitionBoot,
		PlaceholderVBMetaPartUUID: avb.PartitionVBMeta,
	} {
		if !strings.Contains(cmdline, placeholder) {
			continue
		}

		guid, err := v.partitions.GetUniqueGUIDForPartition(name + suffix)
		if err != nil {
			v.logger.Warn("failed to substitute partition GUID", zap.String("partition", name+suffix), zap.Error(err))

			continue
		}

		cmdline = strings.ReplaceAll(cmdline, placeholder, guid.String())
	}

	return cmdline
}

// String implements fmt.Stringer.
func (v *Verifier) String() string {
	return fmt.Sprintf("avbtool(%s)", v.binary)
}
