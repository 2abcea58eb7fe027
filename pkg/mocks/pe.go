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

package mocks

import "encoding/binary"

// PeFixture is a minimal well-formed PE32+ file-layout image with a
// .text section carrying DIR64-relocated pointers and a .reloc section
// describing them.
type PeFixture struct {
	File []byte

	TextRVA   uint32
	TextPtr   uint32
	RelocRVA  uint32
	RelocPtr  uint32
	HdrSize   uint32
	ImageSize uint32
	ImageBase uint64
	Fixups    []uint32
}

// BuildPeFixture assembles the fixture image.
func BuildPeFixture() *PeFixture {
	f := &PeFixture{
		TextRVA:   0x1000,
		TextPtr:   0x400,
		RelocRVA:  0x3000,
		RelocPtr:  0x600,
		HdrSize:   0x400,
		ImageSize: 0x4000,
		ImageBase: 0x400000,
		Fixups:    []uint32{0x10, 0x88, 0x100},
	}
	img := make([]byte, 0x800)
	put16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(img[off:], v) }
	put32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(img[off:], v) }
	put64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(img[off:], v) }

	// DOS header
	put16(0, 0x5A4D)
	put32(0x3C, 0x80)

	// PE signature + COFF header
	put32(0x80, 0x00004550)
	put16(0x84, 0x8664) // machine
	put16(0x86, 2)      // sections
	put16(0x94, 240)    // optional header size

	// Optional header (PE32+)
	opt := 0x98
	put16(opt, 0x20B)
	put64(opt+24, f.ImageBase)
	put32(opt+32, 0x1000) // section alignment
	put32(opt+36, 0x200)  // file alignment
	put32(opt+56, f.ImageSize)
	put32(opt+60, f.HdrSize)
	put32(opt+108, 16) // rva-and-sizes count
	put32(opt+112+5*8, f.RelocRVA)
	put32(opt+112+5*8+4, 16)

	// Section table
	sec := opt + 240
	writeSection := func(off int, name string, rva, rawSize, rawPtr uint32) {
		copy(img[off:], name)
		put32(off+8, rawSize)
		put32(off+12, rva)
		put32(off+16, rawSize)
		put32(off+20, rawPtr)
	}
	writeSection(sec, ".text", f.TextRVA, 0x200, f.TextPtr)
	writeSection(sec+40, ".reloc", f.RelocRVA, 0x200, f.RelocPtr)

	// .text payload: absolute pointers at the fixup offsets
	for i, off := range f.Fixups {
		put64(int(f.TextPtr+off), f.ImageBase+uint64(0x1100+i*0x40))
	}

	// .reloc payload: one block, three DIR64 entries plus padding
	put32(int(f.RelocPtr), f.TextRVA)
	put32(int(f.RelocPtr)+4, 16)
	for i, off := range f.Fixups {
		put16(int(f.RelocPtr)+8+i*2, uint16(10<<12)|uint16(off))
	}

	f.File = img
	return f
}
