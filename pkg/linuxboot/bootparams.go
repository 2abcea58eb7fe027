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

// Package linuxboot builds the x86 boot-protocol zero page and carries
// out the kernel placement and ExitBootServices handoff sequence.
package linuxboot

import (
	"encoding/binary"
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/memreg"
)

// Size is the zero page size.
const Size = 4096

// Zero-page field offsets.
const (
	offVideoMode    = 0x006
	offVideoCols    = 0x007
	offVideoLines   = 0x00E
	offVideoIsVGA   = 0x00F
	offVideoPoints  = 0x010
	offExtRamdisk   = 0x0C0
	offExtRamdiskSz = 0x0C4
	offExtCmdline   = 0x0C8
	offE820Entries  = 0x1E8
	offSetupHeader  = 0x1F1
	offLoaderType   = 0x210
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21C
	offCmdLinePtr   = 0x228
	offE820Table    = 0x2D0

	e820EntrySize = 20

	// LoaderTypeUndefined marks a loader without an assigned ID.
	LoaderTypeUndefined = 0xFF
)

var ErrTooManyE820 = fmt.Errorf("more than 128 E820 entries")

// BootParams is the 4096-byte zero page under construction. It is
// created zeroed in low memory; ownership transfers to the kernel at the
// jump.
type BootParams struct {
	raw [Size]byte
}

func NewBootParams() *BootParams {
	return &BootParams{}
}

// Bytes returns the full zero-page image.
func (bp *BootParams) Bytes() []byte {
	return bp.raw[:]
}

// SetSetupHeader copies the kernel's setup header to offset 0x1F1.
func (bp *BootParams) SetSetupHeader(hdr []byte) {
	copy(bp.raw[offSetupHeader:], hdr)
}

// SetLoaderType stamps the bootloader identifier.
func (bp *BootParams) SetLoaderType(t uint8) {
	bp.raw[offLoaderType] = t
}

// SetTextVideoMode fills screen_info with the 80x25 VGA text mode.
func (bp *BootParams) SetTextVideoMode() {
	bp.raw[offVideoMode] = 0x03
	bp.raw[offVideoCols] = 80
	bp.raw[offVideoLines] = 25
	bp.raw[offVideoIsVGA] = 1
	binary.LittleEndian.PutUint16(bp.raw[offVideoPoints:], 16)
}

// SetCmdline stores the command-line pointer split across the low and
// extended fields.
func (bp *BootParams) SetCmdline(addr uint64) {
	binary.LittleEndian.PutUint32(bp.raw[offCmdLinePtr:], uint32(addr))
	binary.LittleEndian.PutUint32(bp.raw[offExtCmdline:], uint32(addr>>32))
}

// SetInitrd stores the initrd address and size, split low/high.
func (bp *BootParams) SetInitrd(addr, size uint64) {
	binary.LittleEndian.PutUint32(bp.raw[offRamdiskImage:], uint32(addr))
	binary.LittleEndian.PutUint32(bp.raw[offRamdiskSize:], uint32(size))
	binary.LittleEndian.PutUint32(bp.raw[offExtRamdisk:], uint32(addr>>32))
	binary.LittleEndian.PutUint32(bp.raw[offExtRamdiskSz:], uint32(size>>32))
}

// SetE820 stuffs the memory map, capped at 128 entries.
func (bp *BootParams) SetE820(entries []memreg.E820Entry) error {
	if len(entries) > memreg.MaxE820Entries {
		return ErrTooManyE820
	}
	for i, e := range entries {
		off := offE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(bp.raw[off:], e.Addr)
		binary.LittleEndian.PutUint64(bp.raw[off+8:], e.Size)
		binary.LittleEndian.PutUint32(bp.raw[off+16:], e.Type)
	}
	bp.raw[offE820Entries] = uint8(len(entries))
	return nil
}

// E820Count reads back the stored entry count.
func (bp *BootParams) E820Count() int {
	return int(bp.raw[offE820Entries])
}
