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

package dma

import "fmt"

var ErrPoolExhausted = fmt.Errorf("dma buffer pool exhausted")

// Buffer is one fixed-size slot of a pool. Data access requires
// DriverOwned; anything else is a bug and panics.
type Buffer struct {
	region    *Region
	offset    int
	index     uint16
	ownership Ownership
}

// Index returns the buffer's slot index within its pool.
func (b *Buffer) Index() uint16 {
	return b.index
}

// BusAddr returns the device-visible address of the buffer data.
func (b *Buffer) BusAddr() uint64 {
	return b.region.Bus(b.offset)
}

// Capacity returns the buffer size in bytes.
func (b *Buffer) Capacity() int {
	return BufferSize
}

// Ownership returns the current state.
func (b *Buffer) Ownership() Ownership {
	return b.ownership
}

// Bytes returns the buffer data. Only the driver may touch it.
func (b *Buffer) Bytes() []byte {
	if b.ownership != DriverOwned {
		panic(fmt.Sprintf("BUG: buffer %d data access in state %s", b.index, b.ownership))
	}
	return b.region.Bytes(b.offset, BufferSize)
}

// MarkDeviceOwned hands the buffer to the device, called immediately
// before ring submission.
func (b *Buffer) MarkDeviceOwned() {
	if b.ownership != DriverOwned {
		panic(fmt.Sprintf("BUG: submit of buffer %d in state %s", b.index, b.ownership))
	}
	b.ownership = DeviceOwned
}

// MarkDriverOwned reclaims the buffer from the device, called on
// completion.
func (b *Buffer) MarkDriverOwned() {
	if b.ownership != DeviceOwned {
		panic(fmt.Sprintf("BUG: reclaim of buffer %d in state %s", b.index, b.ownership))
	}
	b.ownership = DriverOwned
}

// Pool owns a slab of equally sized buffers with a LIFO free list.
type Pool struct {
	buffers  []Buffer
	freeList []uint16
}

// NewPool carves count buffers out of the region at baseOffset.
func NewPool(region *Region, baseOffset, count int) *Pool {
	p := &Pool{
		buffers:  make([]Buffer, count),
		freeList: make([]uint16, 0, count),
	}
	for i := 0; i < count; i++ {
		p.buffers[i] = Buffer{
			region: region,
			offset: baseOffset + i*BufferSize,
			index:  uint16(i),
		}
	}
	// LIFO: push in reverse so buffer 0 comes out first.
	for i := count - 1; i >= 0; i-- {
		p.freeList = append(p.freeList, uint16(i))
	}
	return p
}

// Alloc pops a free buffer and hands it to the driver.
func (p *Pool) Alloc() (*Buffer, error) {
	if len(p.freeList) == 0 {
		return nil, ErrPoolExhausted
	}
	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	b := &p.buffers[idx]
	if b.ownership != Free {
		panic(fmt.Sprintf("BUG: buffer %d on free list in state %s", idx, b.ownership))
	}
	b.ownership = DriverOwned
	return b, nil
}

// Free returns a driver-owned buffer to the pool.
func (p *Pool) Free(index uint16) {
	b := &p.buffers[index]
	if b.ownership != DriverOwned {
		panic(fmt.Sprintf("BUG: pool free of buffer %d in state %s", index, b.ownership))
	}
	b.ownership = Free
	p.freeList = append(p.freeList, index)
}

// Get returns the buffer at index regardless of state, for completion
// paths that reclaim by ring index.
func (p *Pool) Get(index uint16) *Buffer {
	return &p.buffers[index]
}

// Available reports the free-list depth.
func (p *Pool) Available() int {
	return len(p.freeList)
}
