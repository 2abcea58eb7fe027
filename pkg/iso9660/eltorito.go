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

package iso9660

import (
	"encoding/binary"
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/types"
)

// El Torito media types from the default entry.
const (
	MediaNoEmulation = 0
	MediaFloppy12    = 1
	MediaFloppy144   = 2
	MediaFloppy288   = 3
	MediaHardDisk    = 4
)

// BootImage is the default El Torito boot entry.
type BootImage struct {
	Bootable    bool
	MediaType   byte
	LoadSegment uint16
	SectorCount uint16
	LoadRBA     uint32
}

// FindBootImage parses the boot catalog referenced by the volume's boot
// record: validation entry (header 0x01, 0x55AA trailer, zero
// one's-complement word sum) followed by the initial/default entry.
func FindBootImage(dev types.BlockDevice, v *Volume) (BootImage, error) {
	if v.BootCatalogLBA == 0 {
		return BootImage{}, ErrNoBootCatalog
	}
	buf := make([]byte, LogicalBlockSize)
	if err := readLogical(dev, v, v.BootCatalogLBA, buf); err != nil {
		return BootImage{}, err
	}

	validation := buf[:32]
	if validation[0] != 0x01 {
		return BootImage{}, fmt.Errorf("%w: bad validation header", ErrInvalidFormat)
	}
	if validation[30] != 0x55 || validation[31] != 0xAA {
		return BootImage{}, fmt.Errorf("%w: bad validation signature", ErrInvalidFormat)
	}
	var sum uint16
	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(validation[i:])
	}
	if sum != 0 {
		return BootImage{}, fmt.Errorf("%w: validation checksum %#04x", ErrInvalidFormat, sum)
	}

	entry := buf[32:64]
	img := BootImage{
		Bootable:    entry[0] == 0x88,
		MediaType:   entry[1],
		LoadSegment: binary.LittleEndian.Uint16(entry[2:]),
		SectorCount: binary.LittleEndian.Uint16(entry[6:]),
		LoadRBA:     binary.LittleEndian.Uint32(entry[8:]),
	}
	return img, nil
}
