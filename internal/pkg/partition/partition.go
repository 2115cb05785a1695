// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition provides access to named partitions on a GPT disk or in a directory of images.
package partition

import (
	"fmt"
	"os"
	"strings"
)

// SectorSize is the block size used by the block-addressed commands.
const SectorSize = 512

// window checks the access of n bytes at offset within a partition of the given size,
// returning the number of bytes which can be accessed.
func window(name string, size uint64, offset int64, n int) (int, error) {
	if offset < 0 || uint64(offset) > size {
		return 0, fmt.Errorf("offset %d is out of range of partition %q (%d bytes)", offset, name, size)
	}

	return int(min(uint64(n), size-uint64(offset))), nil
}

func notFound(name string) error {
	return fmt.Errorf("partition %q: %w", name, os.ErrNotExist)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid partition name %q", name)
	}

	return nil
}
