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

package hwinit

import "encoding/binary"

// Segment selectors of the fixed layout: null, kernel code/data, user
// code/data, then the 16-byte TSS descriptor.
const (
	KernelCS = 0x08
	KernelDS = 0x10
	UserCS   = 0x18 | 3
	UserDS   = 0x20 | 3
	TssSel   = 0x28
)

// GdtSize is the table size in bytes: five 8-byte descriptors plus the
// 16-byte TSS descriptor.
const GdtSize = 5*8 + 16

// TssSize is the 64-bit TSS segment size.
const TssSize = 104

const (
	tssRsp0Offset = 4
	tssIst1Offset = 36
)

// Tss holds the stack pointers loaded into the task state segment:
// RSP0 for ring transitions and IST1 as the critical-fault stack.
type Tss struct {
	Rsp0 uint64
	Ist1 uint64
}

// Encode produces the 104-byte TSS image.
func (t Tss) Encode() [TssSize]byte {
	var out [TssSize]byte
	binary.LittleEndian.PutUint64(out[tssRsp0Offset:], t.Rsp0)
	binary.LittleEndian.PutUint64(out[tssIst1Offset:], t.Ist1)
	// I/O map base beyond the limit disables the permission bitmap.
	binary.LittleEndian.PutUint16(out[102:], TssSize)
	return out
}

func encodeSegment(access, granularity uint8) [8]byte {
	var d [8]byte
	d[0], d[1] = 0xFF, 0xFF // limit 15:0
	d[5] = access
	d[6] = 0x0F | granularity // limit 19:16 | flags
	return d
}

// codeSegment encodes a 64-bit code descriptor for the given ring.
func codeSegment(ring uint8) [8]byte {
	return encodeSegment(0x9A|(ring&3)<<5, 0xA0) // L=1, G=1
}

// dataSegment encodes a data descriptor for the given ring.
func dataSegment(ring uint8) [8]byte {
	return encodeSegment(0x92|(ring&3)<<5, 0xC0) // D=1, G=1
}

// EncodeGdt builds the full descriptor table with the 16-byte TSS system
// descriptor pointing at tssBase.
func EncodeGdt(tssBase uint64) [GdtSize]byte {
	var out [GdtSize]byte
	write := func(index int, d [8]byte) {
		copy(out[index*8:], d[:])
	}
	// Index 0 stays the null descriptor.
	write(1, codeSegment(0))
	write(2, dataSegment(0))
	write(3, codeSegment(3))
	write(4, dataSegment(3))

	// TSS descriptor: 16 bytes at index 5.
	tss := out[40:]
	limit := uint16(TssSize - 1)
	binary.LittleEndian.PutUint16(tss[0:], limit)
	binary.LittleEndian.PutUint16(tss[2:], uint16(tssBase))
	tss[4] = uint8(tssBase >> 16)
	tss[5] = 0x89 // present, 64-bit available TSS
	tss[7] = uint8(tssBase >> 24)
	binary.LittleEndian.PutUint32(tss[8:], uint32(tssBase>>32))
	return out
}

// GdtPointer is the lgdt operand.
type GdtPointer struct {
	Limit uint16
	Base  uint64
}

// NewGdtPointer describes a table of the fixed layout at base.
func NewGdtPointer(base uint64) GdtPointer {
	return GdtPointer{Limit: GdtSize - 1, Base: base}
}
