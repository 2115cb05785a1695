// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"
)

// Part is a partition found on the disk.
type Part struct {
	GUID   *uuid.UUID
	Label  string
	Index  uint
	Offset uint64
	Size   uint64
}

// Disk provides access to the partitions of a GPT disk, looked up by the partition label.
type Disk struct {
	f     *os.File
	parts map[string]Part
	path  string
}

// OpenDisk probes the partition table of the disk (or disk image) and opens it for I/O.
func OpenDisk(path string, logger *zap.Logger) (*Disk, error) {
	info, err := blkid.ProbePath(path, blkid.WithSkipLocking(true), blkid.WithProbeLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to probe block device %s: %w", path, err)
	}

	if len(info.Parts) == 0 {
		return nil, fmt.Errorf("no partitions found on %s", path)
	}

	d := &Disk{
		path:  path,
		parts: make(map[string]Part, len(info.Parts)),
	}

	for _, nested := range info.Parts {
		label := pointer.SafeDeref(nested.PartitionLabel)
		if label == "" {
			continue
		}

		d.parts[label] = Part{
			Label:  label,
			GUID:   nested.PartitionUUID,
			Index:  uint(nested.PartitionIndex),
			Offset: uint64(nested.PartitionOffset),
			Size:   uint64(nested.PartitionSize),
		}

		logger.Debug("found partition",
			zap.String("label", label),
			zap.Uint("index", d.parts[label].Index),
			zap.Uint64("offset", d.parts[label].Offset),
			zap.String("size", humanize.IBytes(d.parts[label].Size)),
		)
	}

	d.f, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// NewDisk creates a Disk from an already discovered partition list.
func NewDisk(f *os.File, parts []Part) *Disk {
	d := &Disk{
		f:     f,
		path:  f.Name(),
		parts: make(map[string]Part, len(parts)),
	}

	for _, p := range parts {
		d.parts[p.Label] = p
	}

	return d
}

// Close the disk.
func (d *Disk) Close() error {
	return d.f.Close()
}

// Locate the partition by label.
func (d *Disk) Locate(name string) (Part, error) {
	p, ok := d.parts[name]
	if !ok {
		return Part{}, notFound(name)
	}

	return p, nil
}

// ReadFromPartition implements avb.PartitionOps.
func (d *Disk) ReadFromPartition(name string, offset int64, buf []byte) (int, error) {
	p, err := d.Locate(name)
	if err != nil {
		return 0, err
	}

	n, err := window(name, p.Size, offset, len(buf))
	if err != nil {
		return 0, err
	}

	return d.f.ReadAt(buf[:n], int64(p.Offset)+offset)
}

// WriteToPartition implements avb.PartitionOps.
func (d *Disk) WriteToPartition(name string, offset int64, buf []byte) error {
	p, err := d.Locate(name)
	if err != nil {
		return err
	}

	n, err := window(name, p.Size, offset, len(buf))
	if err != nil {
		return err
	}

	if n != len(buf) {
		return fmt.Errorf("write of %d bytes at %d doesn't fit partition %q", len(buf), offset, name)
	}

	if _, err = d.f.WriteAt(buf, int64(p.Offset)+offset); err != nil {
		return err
	}

	return d.f.Sync()
}

// GetUniqueGUIDForPartition implements avb.PartitionOps.
func (d *Disk) GetUniqueGUIDForPartition(name string) (uuid.UUID, error) {
	p, err := d.Locate(name)
	if err != nil {
		return uuid.Nil, err
	}

	if p.GUID == nil {
		return uuid.Nil, fmt.Errorf("partition %q has no unique GUID", name)
	}

	return *p.GUID, nil
}

// GetSizeOfPartition implements avb.PartitionOps.
func (d *Disk) GetSizeOfPartition(name string) (uint64, error) {
	p, err := d.Locate(name)
	if err != nil {
		return 0, err
	}

	return p.Size, nil
}
