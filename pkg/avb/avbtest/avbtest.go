// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package avbtest provides in-memory implementations of the avb interfaces for tests.
package avbtest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/siderolabs/bootavb/pkg/avb"
)

// Partitions is an in-memory avb.PartitionOps.
type Partitions struct {
	mu sync.Mutex

	images map[string][]byte
	guids  map[string]uuid.UUID

	// ReadErrors and WriteErrors inject failures per partition name.
	ReadErrors  map[string]error
	WriteErrors map[string]error

	Writes []string
}

// NewPartitions creates partitions with the given sizes, zero-filled.
func NewPartitions(sizes map[string]int) *Partitions {
	p := &Partitions{
		images:      map[string][]byte{},
		guids:       map[string]uuid.UUID{},
		ReadErrors:  map[string]error{},
		WriteErrors: map[string]error{},
	}

	for name, size := range sizes {
		p.Add(name, make([]byte, size))
	}

	return p
}

// Add a partition image.
func (p *Partitions) Add(name string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.images[name] = data
	p.guids[name] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// Image returns a copy of the partition contents.
func (p *Partitions) Image(name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.images[name])
}

// GUID returns the partition GUID.
func (p *Partitions) GUID(name string) uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.guids[name]
}

func (p *Partitions) lookup(name string) ([]byte, error) {
	img, ok := p.images[name]
	if !ok {
		return nil, fmt.Errorf("partition %q: %w", name, os.ErrNotExist)
	}

	return img, nil
}

// ReadFromPartition implements avb.PartitionOps.
func (p *Partitions) ReadFromPartition(name string, offset int64, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ReadErrors[name]; err != nil {
		return 0, err
	}

	img, err := p.lookup(name)
	if err != nil {
		return 0, err
	}

	if offset < 0 || offset > int64(len(img)) {
		return 0, fmt.Errorf("offset %d out of range of partition %q", offset, name)
	}

	return copy(buf, img[offset:]), nil
}

// WriteToPartition implements avb.PartitionOps.
func (p *Partitions) WriteToPartition(name string, offset int64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.WriteErrors[name]; err != nil {
		return err
	}

	img, err := p.lookup(name)
	if err != nil {
		return err
	}

	if offset < 0 || offset+int64(len(buf)) > int64(len(img)) {
		return fmt.Errorf("write of %d bytes at %d out of range of partition %q", len(buf), offset, name)
	}

	copy(img[offset:], buf)

	p.Writes = append(p.Writes, name)

	return nil
}

// GetUniqueGUIDForPartition implements avb.PartitionOps.
func (p *Partitions) GetUniqueGUIDForPartition(name string) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.lookup(name); err != nil {
		return uuid.Nil, err
	}

	return p.guids[name], nil
}

// GetSizeOfPartition implements avb.PartitionOps.
func (p *Partitions) GetSizeOfPartition(name string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, err := p.lookup(name)
	if err != nil {
		return 0, err
	}

	return uint64(len(img)), nil
}

// Secure is an in-memory avb.LockOps, avb.RollbackOps and avb.AttributeOps.
type Secure struct {
	Unlocked        bool
	RollbackIndexes [avb.MaxRollbackIndexLocations]uint64
	PermAttributes  []byte

	// ReadLockErrors is consumed one error per read; nil entries succeed.
	ReadLockErrors []error
	WriteLockError error

	LockReads  int
	LockWrites int
}

// ReadIsDeviceUnlocked implements avb.LockOps.
func (s *Secure) ReadIsDeviceUnlocked() (bool, error) {
	s.LockReads++

	if len(s.ReadLockErrors) > 0 {
		err := s.ReadLockErrors[0]
		s.ReadLockErrors = s.ReadLockErrors[1:]

		if err != nil {
			return false, err
		}
	}

	return s.Unlocked, nil
}

// WriteIsDeviceUnlocked implements avb.LockOps.
func (s *Secure) WriteIsDeviceUnlocked(unlocked bool) error {
	s.LockWrites++

	if s.WriteLockError != nil {
		return s.WriteLockError
	}

	s.Unlocked = unlocked

	return nil
}

// ReadRollbackIndex implements avb.RollbackOps.
func (s *Secure) ReadRollbackIndex(location int) (uint64, error) {
	if location < 0 || location >= avb.MaxRollbackIndexLocations {
		return 0, fmt.Errorf("invalid rollback index location %d", location)
	}

	return s.RollbackIndexes[location], nil
}

// WriteRollbackIndex implements avb.RollbackOps.
func (s *Secure) WriteRollbackIndex(location int, index uint64) error {
	if location < 0 || location >= avb.MaxRollbackIndexLocations {
		return fmt.Errorf("invalid rollback index location %d", location)
	}

	s.RollbackIndexes[location] = index

	return nil
}

// ReadPermanentAttributes implements avb.AttributeOps.
func (s *Secure) ReadPermanentAttributes() ([]byte, error) {
	if s.PermAttributes == nil {
		return nil, fmt.Errorf("permanent attributes: %w", os.ErrNotExist)
	}

	return s.PermAttributes, nil
}

// WritePermanentAttributes implements avb.AttributeOps.
func (s *Secure) WritePermanentAttributes(data []byte) error {
	s.PermAttributes = slices.Clone(data)

	return nil
}

// ReadPermanentAttributesHash implements avb.AttributeOps.
func (s *Secure) ReadPermanentAttributesHash() ([sha256.Size]byte, error) {
	data, err := s.ReadPermanentAttributes()
	if err != nil {
		return [sha256.Size]byte{}, err
	}

	return sha256.Sum256(data), nil
}

// Verifier is a scripted avb.SlotVerifier.
//
// Results are looked up by slot suffix; missing suffixes verify successfully.
type Verifier struct {
	Results map[string]avb.SlotVerifyResult
	Cmdline map[string]string

	// RollbackIndexes reported for every verified slot.
	RollbackIndexes map[int]uint64

	Calls []VerifierCall
}

// VerifierCall records a single SlotVerify invocation.
type VerifierCall struct {
	Partitions []string
	Suffix     string
	Flags      avb.SlotVerifyFlags
}

// SlotVerify implements avb.SlotVerifier.
func (v *Verifier) SlotVerify(_ context.Context, partitions []string, suffix string, flags avb.SlotVerifyFlags) (*avb.SlotData, error) {
	v.Calls = append(v.Calls, VerifierCall{
		Partitions: slices.Clone(partitions),
		Suffix:     suffix,
		Flags:      flags,
	})

	data := &avb.SlotData{
		ABSuffix: suffix,
		Cmdline:  v.Cmdline[suffix],
	}

	for _, name := range partitions {
		data.LoadedPartitions = append(data.LoadedPartitions, avb.LoadedPartition{
			Name: name + suffix,
			Data: []byte("image:" + name + suffix),
		})
	}

	for location, index := range v.RollbackIndexes {
		data.RollbackIndexes[location] = index
	}

	result := v.Results[suffix]

	switch {
	case result == avb.SlotVerifyOK:
		return data, nil
	case result.Recoverable() && flags&avb.SlotVerifyFlagsAllowVerificationError != 0:
		return data, avb.NewVerifyError(result, "slot %q", suffix)
	default:
		return nil, avb.NewVerifyError(result, "slot %q", suffix)
	}
}
