// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package secure keeps the tamper-evident device state (unlock flag, rollback indexes and
// permanent attributes) in a redundant record on the security partition.
package secure

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/siderolabs/gen/xerrors"

	"github.com/siderolabs/bootavb/internal/pkg/adv"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// Record tags.
const (
	TagUnlocked adv.Tag = iota + 1
	TagRollbackIndexes
	TagPermanentAttributes
)

// Store implements avb.LockOps, avb.RollbackOps and avb.AttributeOps.
type Store struct {
	ops       avb.PartitionOps
	partition string
}

// NewStore creates a Store on the security partition.
func NewStore(ops avb.PartitionOps) *Store {
	return &Store{
		ops:       ops,
		partition: avb.PartitionSecurity,
	}
}

// Erase resets the record to the empty state.
func (s *Store) Erase() error {
	return s.save(adv.New())
}

func (s *Store) read() ([]byte, error) {
	buf := make([]byte, adv.Size)

	n, err := s.ops.ReadFromPartition(s.partition, 0, buf)
	if err != nil {
		return nil, xerrors.NewTaggedf[avb.StorageError]("failed to read %q: %w", s.partition, err)
	}

	return buf[:n], nil
}

func (s *Store) load() (*adv.Record, error) {
	buf, err := s.read()
	if err != nil {
		return nil, err
	}

	r, err := adv.Decode(buf)
	if err != nil {
		return nil, xerrors.NewTaggedf[avb.StorageError]("no valid record on %q: %w", s.partition, err)
	}

	return r, nil
}

// loadForUpdate starts from an empty record if the existing one can't be decoded.
func (s *Store) loadForUpdate() (*adv.Record, error) {
	buf, err := s.read()
	if err != nil {
		return nil, err
	}

	r, err := adv.Decode(buf)
	if err != nil {
		return adv.New(), nil //nolint:nilerr
	}

	return r, nil
}

func (s *Store) save(r *adv.Record) error {
	b, err := r.Bytes()
	if err != nil {
		return xerrors.NewTaggedf[avb.StorageError]("failed to marshal record: %w", err)
	}

	if err = s.ops.WriteToPartition(s.partition, 0, b); err != nil {
		return xerrors.NewTaggedf[avb.StorageError]("failed to write %q: %w", s.partition, err)
	}

	return nil
}

func (s *Store) update(tag adv.Tag, val []byte) error {
	r, err := s.loadForUpdate()
	if err != nil {
		return err
	}

	if !r.Set(tag, val) {
		return xerrors.NewTaggedf[avb.UsageError]("value of %d bytes doesn't fit the record", len(val))
	}

	return s.save(r)
}

// ReadIsDeviceUnlocked implements avb.LockOps.
//
// A record without the unlock flag is an error, the caller is expected to repair it.
func (s *Store) ReadIsDeviceUnlocked() (bool, error) {
	r, err := s.load()
	if err != nil {
		return false, err
	}

	val, ok := r.Get(TagUnlocked)
	if !ok || len(val) != 1 {
		return false, xerrors.NewTaggedf[avb.StorageError]("lock state is not provisioned")
	}

	return val[0] != 0, nil
}

// WriteIsDeviceUnlocked implements avb.LockOps.
func (s *Store) WriteIsDeviceUnlocked(unlocked bool) error {
	val := []byte{0}

	if unlocked {
		val[0] = 1
	}

	return s.update(TagUnlocked, val)
}

func (s *Store) rollbackIndexes(r *adv.Record) ([avb.MaxRollbackIndexLocations]uint64, error) {
	var indexes [avb.MaxRollbackIndexLocations]uint64

	val, ok := r.Get(TagRollbackIndexes)
	if !ok {
		return indexes, nil
	}

	if len(val) != 8*avb.MaxRollbackIndexLocations {
		return indexes, xerrors.NewTaggedf[avb.StorageError]("rollback index table has unexpected size %d", len(val))
	}

	for i := range indexes {
		indexes[i] = binary.BigEndian.Uint64(val[i*8:])
	}

	return indexes, nil
}

func checkLocation(location int) error {
	if location < 0 || location >= avb.MaxRollbackIndexLocations {
		return xerrors.NewTaggedf[avb.UsageError]("rollback index location %d out of range [0, %d)", location, avb.MaxRollbackIndexLocations)
	}

	return nil
}

// ReadRollbackIndex implements avb.RollbackOps.
//
// Locations which were never written read as zero.
func (s *Store) ReadRollbackIndex(location int) (uint64, error) {
	if err := checkLocation(location); err != nil {
		return 0, err
	}

	r, err := s.load()
	if err != nil {
		return 0, err
	}

	indexes, err := s.rollbackIndexes(r)
	if err != nil {
		return 0, err
	}

	return indexes[location], nil
}

// WriteRollbackIndex implements avb.RollbackOps.
func (s *Store) WriteRollbackIndex(location int, index uint64) error {
	if err := checkLocation(location); err != nil {
		return err
	}

	r, err := s.loadForUpdate()
	if err != nil {
		return err
	}

	indexes, err := s.rollbackIndexes(r)
	if err != nil {
		return err
	}

	indexes[location] = index

	val := make([]byte, 8*avb.MaxRollbackIndexLocations)

	for i, idx := range indexes {
		binary.BigEndian.PutUint64(val[i*8:], idx)
	}

	r.Set(TagRollbackIndexes, val)

	return s.save(r)
}

// ReadPermanentAttributes implements avb.AttributeOps.
func (s *Store) ReadPermanentAttributes() ([]byte, error) {
	r, err := s.load()
	if err != nil {
		return nil, err
	}

	val, ok := r.Get(TagPermanentAttributes)
	if !ok {
		return nil, xerrors.NewTaggedf[avb.ConfigMissing]("permanent attributes: %w", os.ErrNotExist)
	}

	return val, nil
}

// WritePermanentAttributes implements avb.AttributeOps.
func (s *Store) WritePermanentAttributes(data []byte) error {
	if len(data) == 0 {
		return xerrors.NewTaggedf[avb.UsageError]("empty permanent attributes")
	}

	return s.update(TagPermanentAttributes, data)
}

// ReadPermanentAttributesHash implements avb.AttributeOps.
func (s *Store) ReadPermanentAttributesHash() ([sha256.Size]byte, error) {
	data, err := s.ReadPermanentAttributes()
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to hash permanent attributes: %w", err)
	}

	return sha256.Sum256(data), nil
}
