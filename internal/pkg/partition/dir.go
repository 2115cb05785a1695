// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DirNamespace is the namespace of the unique GUIDs of partitions in a Dir.
var DirNamespace = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

// Dir keeps every partition as <name>.img file in a directory.
type Dir struct {
	root string
}

// NewDir creates a Dir.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Path returns the image path of the partition.
func (d *Dir) Path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	return filepath.Join(d.root, name+".img"), nil
}

func (d *Dir) open(name string, flag int) (*os.File, uint64, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, notFound(name)
		}

		return nil, 0, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck

		return nil, 0, err
	}

	return f, uint64(st.Size()), nil
}

// ReadFromPartition implements avb.PartitionOps.
func (d *Dir) ReadFromPartition(name string, offset int64, buf []byte) (int, error) {
	f, size, err := d.open(name, os.O_RDONLY)
	if err != nil {
		return 0, err
	}

	defer f.Close() //nolint:errcheck

	n, err := window(name, size, offset, len(buf))
	if err != nil {
		return 0, err
	}

	return f.ReadAt(buf[:n], offset)
}

// WriteToPartition implements avb.PartitionOps.
//
// Partitions never grow: writes beyond the end of the image are rejected.
func (d *Dir) WriteToPartition(name string, offset int64, buf []byte) error {
	f, size, err := d.open(name, os.O_RDWR)
	if err != nil {
		return err
	}

	n, err := window(name, size, offset, len(buf))
	if err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	if n != len(buf) {
		f.Close() //nolint:errcheck

		return fmt.Errorf("write of %d bytes at %d doesn't fit partition %q", len(buf), offset, name)
	}

	if _, err = f.WriteAt(buf, offset); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	return f.Close()
}

// GetUniqueGUIDForPartition implements avb.PartitionOps.
//
// GUIDs are derived from the partition name.
func (d *Dir) GetUniqueGUIDForPartition(name string) (uuid.UUID, error) {
	f, _, err := d.open(name, os.O_RDONLY)
	if err != nil {
		return uuid.Nil, err
	}

	if err = f.Close(); err != nil {
		return uuid.Nil, err
	}

	return uuid.NewSHA1(DirNamespace, []byte(name)), nil
}

// GetSizeOfPartition implements avb.PartitionOps.
func (d *Dir) GetSizeOfPartition(name string) (uint64, error) {
	f, size, err := d.open(name, os.O_RDONLY)
	if err != nil {
		return 0, err
	}

	return size, f.Close()
}

// Create an image file of the given size, used to provision the directory.
func (d *Dir) Create(name string, size int64) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(d.root, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if err = f.Truncate(size); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	return f.Close()
}
