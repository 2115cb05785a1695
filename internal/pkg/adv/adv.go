// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package adv implements a small redundant tagged record, stored twice with checksums.
package adv

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/hashicorp/go-multierror"
)

// Basic constants configuring the record.
const (
	Length     = 4096
	DataLength = Length - 40
	Size       = 2 * Length // Redundancy
)

// Magic constants.
const (
	Magic1 = 0x62617662
	Magic2 = 0x62766162
)

// End marks the end of the tag list.
const End = 0

// Tag is the key.
type Tag uint8

// Record is a set of tagged values.
//
// Layout (all in big-endian):
//
//	0x0000   4 bytes       magic1
//	0x0004   4 bytes       tag
//	0x0008   4 bytes       size
//	0x000c   (size) bytes  value
//	... more tags, sorted
//	-0x0024  32 bytes      sha256 of the whole block with checksum set to zero
//	-0x0004  4 bytes       magic2
//
// Whole data structure is written twice for redundancy.
type Record struct {
	Tags map[Tag][]byte
}

// New creates an empty Record.
func New() *Record {
	return &Record{
		Tags: map[Tag][]byte{},
	}
}

// Decode the record from both copies, the first valid copy wins.
func Decode(buf []byte) (*Record, error) {
	var errs *multierror.Error

	for i := range 2 {
		if len(buf) < (i+1)*Length {
			errs = multierror.Append(errs, fmt.Errorf("copy %d: short buffer of %d bytes", i, len(buf)))

			break
		}

		r := New()

		err := r.Unmarshal(slices.Clone(buf[i*Length : (i+1)*Length]))
		if err == nil {
			return r, nil
		}

		errs = multierror.Append(errs, fmt.Errorf("copy %d: %w", i, err))
	}

	return nil, errs.ErrorOrNil()
}

// Unmarshal single copy from the serialized representation.
func (r *Record) Unmarshal(buf []byte) error {
	magic1 := binary.BigEndian.Uint32(buf[:4])
	if magic1 != Magic1 {
		return fmt.Errorf("unexpected magic %x, expecting %x", magic1, Magic1)
	}

	magic2 := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if magic2 != Magic2 {
		return fmt.Errorf("unexpected magic %x, expecting %x", magic2, Magic2)
	}

	checksum := slices.Clone(buf[len(buf)-36 : len(buf)-4])

	clear(buf[len(buf)-36 : len(buf)-4])

	actual := sha256.Sum256(buf)
	if !bytes.Equal(checksum, actual[:]) {
		return fmt.Errorf("checksum mismatch: %x, expecting %x", checksum, actual)
	}

	data := buf[4 : len(buf)-36]

	for len(data) >= 8 {
		tag := binary.BigEndian.Uint32(data[:4])
		if tag == End {
			break
		}

		size := binary.BigEndian.Uint32(data[4:8])

		if uint32(len(data)) < size+8 {
			return fmt.Errorf("value goes beyond the end of the buffer: tag %d, size %d", tag, size)
		}

		r.Tags[Tag(tag)] = slices.Clone(data[8 : 8+size])

		data = data[8+size:]
	}

	return nil
}

// Marshal single copy of the record.
func (r *Record) Marshal() ([]byte, error) {
	buf := make([]byte, Length)

	binary.BigEndian.PutUint32(buf[0:4], Magic1)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], Magic2)

	data := buf[4 : len(buf)-36]

	for _, tag := range slices.Sorted(maps.Keys(r.Tags)) {
		value := r.Tags[tag]

		if len(value)+8 > len(data) {
			return nil, fmt.Errorf("overflow %d bytes", len(value)+8-len(data))
		}

		binary.BigEndian.PutUint32(data[0:4], uint32(tag))
		binary.BigEndian.PutUint32(data[4:8], uint32(len(value)))
		copy(data[8:8+len(value)], value)

		data = data[8+len(value):]
	}

	checksum := sha256.Sum256(buf)
	copy(buf[len(buf)-36:len(buf)-4], checksum[:])

	return buf, nil
}

// Bytes marshals both copies.
func (r *Record) Bytes() ([]byte, error) {
	marshaled, err := r.Marshal()
	if err != nil {
		return nil, err
	}

	return append(marshaled, marshaled...), nil
}

// Get the tag value.
func (r *Record) Get(t Tag) ([]byte, bool) {
	val, ok := r.Tags[t]

	return val, ok
}

// Set the tag value, returning false if it doesn't fit.
func (r *Record) Set(t Tag, val []byte) bool {
	if t == End {
		return false
	}

	size := 0

	for tag, v := range r.Tags {
		if tag != t {
			size += len(v) + 8
		}
	}

	if size+len(val)+8 > DataLength {
		return false
	}

	r.Tags[t] = slices.Clone(val)

	return true
}

// Delete the tag value.
func (r *Record) Delete(t Tag) bool {
	_, ok := r.Tags[t]

	delete(r.Tags, t)

	return ok
}
