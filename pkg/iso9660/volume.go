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

// Package iso9660 reads ECMA-119 volumes, including the El Torito boot
// catalog, off any 512-byte BlockDevice such as the chunked ISO adapter.
package iso9660

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/morpheusx/morpheusx/pkg/types"
)

// LogicalBlockSize is the ISO9660 logical sector size.
const LogicalBlockSize = 2048

// Volume descriptors start at logical sector 16; scanning stops at the
// terminator or after this many descriptors.
const (
	vdFirstSector = 16
	vdScanCap     = 100

	vdTypeBootRecord    = 0
	vdTypePrimary       = 1
	vdTypeSupplementary = 2
	vdTypeTerminator    = 255

	elToritoIdentifier = "EL TORITO SPECIFICATION"
)

var (
	ErrInvalidFormat = fmt.Errorf("invalid ISO9660 volume")
	ErrNotFound      = fmt.Errorf("not found in ISO9660 volume")
	ErrNoBootCatalog = fmt.Errorf("no El Torito boot catalog")
)

// Volume holds the parsed primary volume descriptor state.
type Volume struct {
	VolumeID        string
	VolumeSpaceSize uint32
	RootExtentLBA   uint32
	RootExtentLen   uint32
	BootCatalogLBA  uint32
	HasJoliet       bool

	// startSector is the 512-byte sector the volume begins at on the
	// underlying device.
	startSector uint64
}

// sectorsPerLogical is the number of 512-byte device sectors per ISO
// logical block.
const sectorsPerLogical = LogicalBlockSize / types.SectorSize

// readLogical reads one 2048-byte logical block.
func readLogical(dev types.BlockDevice, v *Volume, lba uint32, buf []byte) error {
	return dev.ReadBlocks(v.startSector+uint64(lba)*sectorsPerLogical, buf[:LogicalBlockSize])
}

// Mount scans volume descriptors from sector 16 until the terminator and
// returns the parsed volume. startSector positions the volume on the
// device in 512-byte units.
func Mount(dev types.BlockDevice, startSector uint64) (*Volume, error) {
	v := &Volume{startSector: startSector}
	buf := make([]byte, LogicalBlockSize)

	found := false
	for i := 0; i < vdScanCap; i++ {
		lba := uint32(vdFirstSector + i)
		if err := readLogical(dev, v, lba, buf); err != nil {
			return nil, err
		}
		if string(buf[1:6]) != "CD001" {
			return nil, fmt.Errorf("%w: bad descriptor magic at block %d", ErrInvalidFormat, lba)
		}
		switch buf[0] {
		case vdTypePrimary:
			v.VolumeID = strings.TrimRight(string(buf[40:72]), " ")
			v.VolumeSpaceSize = binary.LittleEndian.Uint32(buf[80:])
			if binary.LittleEndian.Uint16(buf[128:]) != LogicalBlockSize {
				return nil, fmt.Errorf("%w: unsupported logical block size", ErrInvalidFormat)
			}
			root := buf[156 : 156+34]
			v.RootExtentLBA = binary.LittleEndian.Uint32(root[2:])
			v.RootExtentLen = binary.LittleEndian.Uint32(root[10:])
			found = true
		case vdTypeSupplementary:
			// We keep reading the primary namespace; the flag only
			// records that a Joliet tree exists.
			v.HasJoliet = true
		case vdTypeBootRecord:
			ident := strings.TrimRight(string(buf[7:39]), "\x00 ")
			if ident == elToritoIdentifier {
				v.BootCatalogLBA = binary.LittleEndian.Uint32(buf[0x47:])
			}
		case vdTypeTerminator:
			if !found {
				return nil, fmt.Errorf("%w: no primary volume descriptor", ErrInvalidFormat)
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: descriptor terminator not found", ErrInvalidFormat)
}
