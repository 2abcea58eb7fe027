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

package chunkstore

import (
	"github.com/morpheusx/morpheusx/pkg/types"
)

// chunkExtent locates one chunk's data region in absolute disk sectors.
type chunkExtent struct {
	dataStart uint64
	dataBytes uint64
}

// ReadContext is an immutable snapshot of an ISO's chunk layout.
type ReadContext struct {
	Chunks    []chunkExtent
	TotalSize uint64
}

// find translates a byte offset in the logical ISO into a chunk index
// and the offset inside that chunk.
func (c *ReadContext) find(offset uint64) (int, uint64, bool) {
	cumulative := uint64(0)
	for i, chunk := range c.Chunks {
		if offset < cumulative+chunk.dataBytes {
			return i, offset - cumulative, true
		}
		cumulative += chunk.dataBytes
	}
	return 0, 0, false
}

// VirtualDevice presents the chunks as one contiguous read-only block
// device, the shape the ISO9660 reader expects.
type VirtualDevice struct {
	dev types.BlockDevice
	ctx *ReadContext
}

// NewVirtualDevice binds a read context to the physical disk it
// references.
func NewVirtualDevice(dev types.BlockDevice, ctx *ReadContext) *VirtualDevice {
	return &VirtualDevice{dev: dev, ctx: ctx}
}

func (v *VirtualDevice) BlockSize() uint32 {
	return types.SectorSize
}

func (v *VirtualDevice) NumBlocks() uint64 {
	return (v.ctx.TotalSize + types.SectorSize - 1) / types.SectorSize
}

// ReadBlocks translates each 512-byte sector through the chunk layout.
// Sectors past the end of the ISO read as zeroes.
func (v *VirtualDevice) ReadBlocks(lba uint64, buf []byte) error {
	for i := 0; i*types.SectorSize < len(buf); i++ {
		sector := buf[i*types.SectorSize : (i+1)*types.SectorSize]
		byteOffset := (lba + uint64(i)) * types.SectorSize

		chunkIdx, offsetInChunk, ok := v.ctx.find(byteOffset)
		if !ok {
			for j := range sector {
				sector[j] = 0
			}
			continue
		}
		chunk := v.ctx.Chunks[chunkIdx]
		physLBA := chunk.dataStart + offsetInChunk/types.SectorSize
		if err := v.dev.ReadBlocks(physLBA, sector); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlocks is a silent no-op: chunked ISO access is read-only.
func (v *VirtualDevice) WriteBlocks(_ uint64, _ []byte) error {
	return nil
}

func (v *VirtualDevice) Flush() error {
	return nil
}
