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

// Package pe implements the PE/COFF engine behind self-installation:
// header parsing, base-relocation reversal and the conversion between the
// relocated in-memory layout and the on-disk file layout.
package pe

import (
	"encoding/binary"
	"fmt"
)

// DefaultImageBase is the conventional link base of x86_64 UEFI images.
const DefaultImageBase = 0x400000

const (
	dosSignature   = 0x5A4D // "MZ"
	peSignature    = 0x00004550
	pe32PlusMagic  = 0x20B
	machineAMD64   = 0x8664
	coffHeaderSize = 20
	sectionHdrSize = 40

	// Base relocation directory index in the data-directory array.
	dirEntryBaseReloc = 5
)

// ErrInvalidFormat covers every malformed-image condition. Operations
// fail with it before mutating any output.
var ErrInvalidFormat = fmt.Errorf("invalid PE format")

// Section is one parsed section-table record.
type Section struct {
	Name             string
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

// Image is a parsed view over a PE32+ byte slice. The slice is not copied.
type Image struct {
	data []byte

	peOffset  int
	optOffset int
	optSize   int

	Machine      uint16
	NumSections  int
	ImageBase    uint64
	SizeOfImage  uint32
	SizeOfHdrs   uint32
	RelocRVA     uint32
	RelocSize    uint32
	Sections     []Section
	sectionTable int
}

func read16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func read32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func read64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

// Parse validates DOS and PE signatures and builds an Image view.
// Images are expected to be PE32+ (x86_64).
func Parse(data []byte) (*Image, error) {
	if len(data) < 0x40 {
		return nil, fmt.Errorf("%w: image smaller than a DOS header", ErrInvalidFormat)
	}
	if read16(data, 0) != dosSignature {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrInvalidFormat)
	}
	peOffset := int(read32(data, 0x3C))
	if peOffset <= 0 || peOffset+4+coffHeaderSize > len(data) {
		return nil, fmt.Errorf("%w: bogus e_lfanew 0x%X", ErrInvalidFormat, peOffset)
	}
	if read32(data, peOffset) != peSignature {
		return nil, fmt.Errorf("%w: missing PE signature", ErrInvalidFormat)
	}

	coff := peOffset + 4
	img := &Image{
		data:        data,
		peOffset:    peOffset,
		Machine:     read16(data, coff),
		NumSections: int(read16(data, coff+2)),
		optSize:     int(read16(data, coff+16)),
	}
	img.optOffset = coff + coffHeaderSize
	if img.optSize < 112 || img.optOffset+img.optSize > len(data) {
		return nil, fmt.Errorf("%w: optional header out of bounds", ErrInvalidFormat)
	}
	if read16(data, img.optOffset) != pe32PlusMagic {
		return nil, fmt.Errorf("%w: not a PE32+ image", ErrInvalidFormat)
	}

	img.ImageBase = read64(data, img.optOffset+24)
	img.SizeOfImage = read32(data, img.optOffset+56)
	img.SizeOfHdrs = read32(data, img.optOffset+60)

	numDirs := int(read32(data, img.optOffset+108))
	if numDirs > dirEntryBaseReloc {
		dirOff := img.optOffset + 112 + dirEntryBaseReloc*8
		if dirOff+8 > len(data) {
			return nil, fmt.Errorf("%w: data directory out of bounds", ErrInvalidFormat)
		}
		img.RelocRVA = read32(data, dirOff)
		img.RelocSize = read32(data, dirOff+4)
	}

	img.sectionTable = img.optOffset + img.optSize
	if img.sectionTable+img.NumSections*sectionHdrSize > len(data) {
		return nil, fmt.Errorf("%w: section table out of bounds", ErrInvalidFormat)
	}
	for i := 0; i < img.NumSections; i++ {
		off := img.sectionTable + i*sectionHdrSize
		name := data[off : off+8]
		end := 0
		for end < 8 && name[end] != 0 {
			end++
		}
		img.Sections = append(img.Sections, Section{
			Name:             string(name[:end]),
			VirtualSize:      read32(data, off+8),
			VirtualAddress:   read32(data, off+12),
			SizeOfRawData:    read32(data, off+16),
			PointerToRawData: read32(data, off+20),
			Characteristics:  read32(data, off+36),
		})
	}
	return img, nil
}

// SetImageBase rewrites the optional header's image-base field in place.
func (img *Image) SetImageBase(base uint64) {
	binary.LittleEndian.PutUint64(img.data[img.optOffset+24:], base)
	img.ImageBase = base
}

// Data returns the underlying byte slice.
func (img *Image) Data() []byte {
	return img.data
}
