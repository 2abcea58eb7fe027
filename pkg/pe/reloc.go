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

package pe

import (
	"encoding/binary"
	"fmt"
)

// Relocation entry types, upper 4 bits of each entry.
const (
	relocAbsolute = 0
	relocHighLow  = 3
	relocDir64    = 10
)

const relocBlockHdrSize = 8

// Unrelocate reverses the loader's base relocations on a memory-layout
// image: every DIR64 (and 32-bit HIGHLOW) fixup gets delta subtracted.
// With delta 0 the image is left untouched. The input is only mutated on
// success.
func Unrelocate(data []byte, delta int64) error {
	return applyRelocations(data, -delta)
}

// Relocate applies base relocations with the given delta, the inverse of
// Unrelocate. Mostly useful to reproduce what a loader would have done.
func Relocate(data []byte, delta int64) error {
	return applyRelocations(data, delta)
}

func applyRelocations(data []byte, delta int64) error {
	img, err := Parse(data)
	if err != nil {
		return err
	}
	if img.RelocRVA == 0 || img.RelocSize == 0 || delta == 0 {
		return nil
	}
	if int(img.RelocRVA) >= len(data) {
		return fmt.Errorf("%w: relocation directory outside image", ErrInvalidFormat)
	}

	// Work on a scratch copy so a malformed block cannot leave the image
	// half-fixed.
	scratch := make([]byte, len(data))
	copy(scratch, data)

	relocEnd := int(img.RelocRVA) + int(img.RelocSize)
	if relocEnd > len(data) {
		relocEnd = len(data)
	}

	off := int(img.RelocRVA)
	for off+relocBlockHdrSize <= relocEnd {
		pageRVA := binary.LittleEndian.Uint32(scratch[off:])
		blockSize := binary.LittleEndian.Uint32(scratch[off+4:])

		if blockSize < relocBlockHdrSize {
			return fmt.Errorf("%w: relocation block smaller than its header", ErrInvalidFormat)
		}
		if off+int(blockSize) > relocEnd {
			return fmt.Errorf("%w: relocation block overruns directory", ErrInvalidFormat)
		}

		entryCount := (int(blockSize) - relocBlockHdrSize) / 2
		for i := 0; i < entryCount; i++ {
			raw := binary.LittleEndian.Uint16(scratch[off+relocBlockHdrSize+i*2:])
			relocType := raw >> 12
			pageOff := uint32(raw & 0x0FFF)
			target := int(pageRVA) + int(pageOff)

			switch relocType {
			case relocAbsolute:
				// Padding entry.
			case relocDir64:
				if target+8 > len(scratch) {
					return fmt.Errorf("%w: DIR64 fixup outside image", ErrInvalidFormat)
				}
				v := binary.LittleEndian.Uint64(scratch[target:])
				binary.LittleEndian.PutUint64(scratch[target:], uint64(int64(v)+delta))
			case relocHighLow:
				if target+4 > len(scratch) {
					return fmt.Errorf("%w: HIGHLOW fixup outside image", ErrInvalidFormat)
				}
				v := binary.LittleEndian.Uint32(scratch[target:])
				binary.LittleEndian.PutUint32(scratch[target:], uint32(int64(v)+delta))
			default:
				// Unknown type aborts the rest of this block.
				i = entryCount
			}
		}
		off += int(blockSize)
	}

	copy(data, scratch)
	return nil
}

// CaptureFileImage reconstructs the original on-disk image from the
// relocated in-memory form of an image loaded at loadAddress: relocations
// are reversed, the header image base is restored to its link-time value
// and the sections are moved back to their file offsets.
func CaptureFileImage(mem []byte, loadAddress uint64) ([]byte, error) {
	img, err := Parse(mem)
	if err != nil {
		return nil, err
	}

	work := make([]byte, len(mem))
	copy(work, mem)

	delta := int64(loadAddress) - int64(DefaultImageBase)
	if err := Unrelocate(work, delta); err != nil {
		return nil, err
	}

	wimg, err := Parse(work)
	if err != nil {
		return nil, err
	}
	if img.ImageBase == loadAddress {
		// Firmware rewrote the header base to the load address; put the
		// conventional link base back so the output matches the original.
		wimg.SetImageBase(DefaultImageBase)
	}

	return MemoryToFile(work)
}
