/*
Copyright © 2022 - 2023 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bzimage parses the Linux x86 boot protocol setup header out of
// a bzImage (protocol 2.15 and later).
package bzimage

import (
	"encoding/binary"
	"fmt"
)

const (
	// SetupHeaderOffset is the file offset of the setup header.
	SetupHeaderOffset = 0x1F1

	headerMagic = 0x53726448 // "HdrS"
	bootFlag    = 0xAA55
	minProtocol = 0x020F // 2.15
	sectorSize  = 512
)

// xloadflags bits.
const (
	XlfKernel64      = 1 << 0
	XlfCanBeAbove4G  = 1 << 1
	XlfEfiHandover32 = 1 << 2
	XlfEfiHandover64 = 1 << 3
	XlfEfiKexec      = 1 << 4
)

// loadflags bits.
const LoadedHigh = 1 << 0

var ErrInvalidFormat = fmt.Errorf("invalid bzImage")

// Image is a parsed view over bzImage bytes. The slice is referenced,
// not copied; the image is read-only after parsing.
type Image struct {
	data []byte

	SetupSects      uint8
	Protocol        uint16
	Code32Start     uint32
	PrefAddress     uint64
	KernelAlignment uint32
	InitSize        uint32
	InitrdAddrMax   uint32
	CmdlineSize     uint32
	Relocatable     bool
	Xloadflags      uint16
	HandoverOffset  uint32
}

// Parse validates the boot signature and header magic.
func Parse(data []byte) (*Image, error) {
	if len(data) < 0x280 {
		return nil, fmt.Errorf("%w: smaller than the setup header", ErrInvalidFormat)
	}
	if binary.LittleEndian.Uint16(data[0x1FE:]) != bootFlag {
		return nil, fmt.Errorf("%w: missing 0xAA55 boot flag", ErrInvalidFormat)
	}
	if binary.LittleEndian.Uint32(data[0x202:]) != headerMagic {
		return nil, fmt.Errorf("%w: missing HdrS magic", ErrInvalidFormat)
	}
	img := &Image{
		data:            data,
		SetupSects:      data[0x1F1],
		Protocol:        binary.LittleEndian.Uint16(data[0x206:]),
		Code32Start:     binary.LittleEndian.Uint32(data[0x214:]),
		InitrdAddrMax:   binary.LittleEndian.Uint32(data[0x22C:]),
		KernelAlignment: binary.LittleEndian.Uint32(data[0x230:]),
		Relocatable:     data[0x234] != 0,
		Xloadflags:      binary.LittleEndian.Uint16(data[0x236:]),
		CmdlineSize:     binary.LittleEndian.Uint32(data[0x238:]),
		PrefAddress:     binary.LittleEndian.Uint64(data[0x258:]),
		InitSize:        binary.LittleEndian.Uint32(data[0x260:]),
		HandoverOffset:  binary.LittleEndian.Uint32(data[0x264:]),
	}
	if img.Protocol < minProtocol {
		return nil, fmt.Errorf("%w: boot protocol %#04x too old", ErrInvalidFormat, img.Protocol)
	}
	if img.SetupSects == 0 {
		// Protocol quirk: zero means the historic default of four.
		img.SetupSects = 4
	}
	setupSize := (int(img.SetupSects) + 1) * sectorSize
	if setupSize >= len(data) {
		return nil, fmt.Errorf("%w: setup sectors exceed the image", ErrInvalidFormat)
	}
	if uint64(img.InitSize) < uint64(len(data)-setupSize) {
		return nil, fmt.Errorf("%w: init_size smaller than the payload", ErrInvalidFormat)
	}
	return img, nil
}

// SetupSize is the real-mode part's size in bytes.
func (img *Image) SetupSize() int {
	return (int(img.SetupSects) + 1) * sectorSize
}

// Payload is the protected-mode kernel.
func (img *Image) Payload() []byte {
	return img.data[img.SetupSize():]
}

// SetupHeader returns the raw header bytes to be copied into the zero
// page at 0x1F1: the header ends at 0x202 plus the byte at 0x201.
func (img *Image) SetupHeader() []byte {
	end := 0x202 + int(img.data[0x201])
	if end <= SetupHeaderOffset || end > len(img.data) {
		end = 0x280
	}
	return img.data[SetupHeaderOffset:end]
}

// CanLoadAbove4G reports the xloadflags bit.
func (img *Image) CanLoadAbove4G() bool {
	return img.Xloadflags&XlfCanBeAbove4G != 0
}

// HasEfiHandover reports 64-bit EFI handover support.
func (img *Image) HasEfiHandover() bool {
	return img.Xloadflags&XlfEfiHandover64 != 0
}
