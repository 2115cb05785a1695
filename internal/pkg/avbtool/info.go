// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package avbtool

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// SupportedMajorVersion of libavb metadata.
const SupportedMajorVersion = 1

// ErrUnsupportedVersion is returned for vbmeta requiring a newer libavb.
var ErrUnsupportedVersion = errors.New("unsupported libavb version")

// Info is the subset of `avbtool info_image` output used by the verifier.
type Info struct {
	MinLibavbVersion      string
	RollbackIndex         uint64
	RollbackIndexLocation int
	Cmdline               []string
}

// ParseInfo parses `avbtool info_image` output.
//
// Rollback fields are taken from the image header only, descriptors
// (chain partition descriptors carry their own location) are skipped.
//
//nolint:gocyclo
func ParseInfo(out string) (*Info, error) {
	info := &Info{}

	var sawRollbackIndex, inDescriptors bool

	scanner := bufio.NewScanner(strings.NewReader(out))

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)

		var err error

		switch key {
		case "Descriptors":
			inDescriptors = true
		case "Minimum libavb version":
			info.MinLibavbVersion = value

			var v semver.Version

			if v, err = semver.ParseTolerant(value); err != nil {
				return nil, fmt.Errorf("invalid libavb version %q: %w", value, err)
			}

			if v.Major != SupportedMajorVersion {
				return nil, fmt.Errorf("%w %s", ErrUnsupportedVersion, value)
			}
		case "Rollback Index":
			if inDescriptors {
				continue
			}

			if info.RollbackIndex, err = strconv.ParseUint(value, 10, 64); err != nil {
				return nil, fmt.Errorf("invalid rollback index %q: %w", value, err)
			}

			sawRollbackIndex = true
		case "Rollback Index Location":
			if inDescriptors {
				continue
			}

			if info.RollbackIndexLocation, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("invalid rollback index location %q: %w", value, err)
			}

			if info.RollbackIndexLocation < 0 || info.RollbackIndexLocation >= avb.MaxRollbackIndexLocations {
				return nil, fmt.Errorf("rollback index location %d out of range", info.RollbackIndexLocation)
			}
		case "Kernel Cmdline":
			if unquoted := strings.Trim(value, "'"); unquoted != "" {
				info.Cmdline = append(info.Cmdline, unquoted)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !sawRollbackIndex {
		return nil, errors.New("no rollback index in vbmeta")
	}

	return info, nil
}
