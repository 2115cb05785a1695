// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package kexec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BootMagic starts an Android boot image.
const BootMagic = "ANDROID!"

// fixedPageSize is used by header versions 3 and 4.
const fixedPageSize = 4096

// Image is the kernel (and optional ramdisk) to hand off to.
type Image struct {
	Kernel  []byte
	Ramdisk []byte

	HeaderVersion uint32
	// Raw is set when the data didn't carry a boot image header.
	Raw bool
}

func pages(size, pageSize uint32) uint64 {
	return (uint64(size) + uint64(pageSize) - 1) / uint64(pageSize)
}

// ParseImage extracts the kernel and ramdisk from the Android boot image.
//
// Data without the boot image magic is taken as a raw kernel.
func ParseImage(data []byte) (*Image, error) {
	if !bytes.HasPrefix(data, []byte(BootMagic)) {
		if len(data) == 0 {
			return nil, fmt.Errorf("empty kernel image")
		}

		return &Image{Kernel: data, Raw: true}, nil
	}

	if len(data) < 44 {
		return nil, fmt.Errorf("truncated boot image header: %d bytes", len(data))
	}

	le := binary.LittleEndian

	img := &Image{
		HeaderVersion: le.Uint32(data[40:44]),
	}

	var kernelSize, ramdiskSize, pageSize uint32

	switch {
	case img.HeaderVersion <= 2:
		kernelSize = le.Uint32(data[8:12])
		ramdiskSize = le.Uint32(data[16:20])
		pageSize = le.Uint32(data[36:40])
	case img.HeaderVersion <= 4:
		kernelSize = le.Uint32(data[8:12])
		ramdiskSize = le.Uint32(data[12:16])
		pageSize = fixedPageSize
	default:
		return nil, fmt.Errorf("unsupported boot image header version %d", img.HeaderVersion)
	}

	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("invalid boot image page size %d", pageSize)
	}

	if kernelSize == 0 {
		return nil, fmt.Errorf("boot image has no kernel")
	}

	kernelOffset := uint64(pageSize)
	ramdiskOffset := kernelOffset + pages(kernelSize, pageSize)*uint64(pageSize)

	if kernelOffset+uint64(kernelSize) > uint64(len(data)) || (ramdiskSize > 0 && ramdiskOffset+uint64(ramdiskSize) > uint64(len(data))) {
		return nil, fmt.Errorf("boot image truncated: kernel %d bytes, ramdisk %d bytes, image %d bytes", kernelSize, ramdiskSize, len(data))
	}

	img.Kernel = data[kernelOffset : kernelOffset+uint64(kernelSize)]

	if ramdiskSize > 0 {
		img.Ramdisk = data[ramdiskOffset : ramdiskOffset+uint64(ramdiskSize)]
	}

	return img, nil
}
