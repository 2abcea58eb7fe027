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

package memreg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/morpheusx/morpheusx/pkg/constants"
)

var (
	ErrHeapExhausted = fmt.Errorf("heap exhausted")
	ErrBadFree       = fmt.Errorf("free of unallocated heap block")
)

type freeBlock struct {
	addr uint64
	size uint64
}

// HeapAllocator is a first-fit free-list allocator over a registry-backed
// region. When the free list cannot satisfy a request it grows the
// region contiguously by asking the registry for pages at the current
// end; if that placement fails the allocation fails.
//
// The platform is single threaded with interrupts masked, so the mutex
// only guards against accidental reentrancy.
type HeapAllocator struct {
	mu       sync.Mutex
	registry *Registry
	base     uint64
	end      uint64
	free     []freeBlock
	sizes    map[uint64]uint64
}

// NewHeap carves the initial heap region out of the registry.
func NewHeap(registry *Registry, initialPages uint64) (*HeapAllocator, error) {
	base, err := registry.AllocatePages(AnyPages(), Heap, initialPages)
	if err != nil {
		return nil, err
	}
	h := &HeapAllocator{
		registry: registry,
		base:     base,
		end:      base + initialPages*constants.PageSize,
		sizes:    map[uint64]uint64{},
	}
	h.free = []freeBlock{{addr: base, size: initialPages * constants.PageSize}}
	return h, nil
}

// Base returns the heap's start address.
func (h *HeapAllocator) Base() uint64 {
	return h.base
}

// Size returns the current region size in bytes.
func (h *HeapAllocator) Size() uint64 {
	return h.end - h.base
}

func align(n uint64) uint64 {
	return (n + 15) &^ 15
}

// Alloc returns the address of a block of at least size bytes.
func (h *HeapAllocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrHeapExhausted
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	size = align(size)
	if addr, ok := h.takeLocked(size); ok {
		return addr, nil
	}

	// Grow contiguously by the smallest page multiple that satisfies.
	pages := (size + constants.PageSize - 1) / constants.PageSize
	if _, err := h.registry.AllocatePages(AtAddress(h.end), Heap, pages); err != nil {
		return 0, ErrHeapExhausted
	}
	h.insertLocked(freeBlock{addr: h.end, size: pages * constants.PageSize})
	h.end += pages * constants.PageSize

	addr, ok := h.takeLocked(size)
	if !ok {
		return 0, ErrHeapExhausted
	}
	return addr, nil
}

// Free returns a block to the free list, coalescing neighbors.
func (h *HeapAllocator) Free(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.sizes[addr]
	if !ok {
		return ErrBadFree
	}
	delete(h.sizes, addr)
	h.insertLocked(freeBlock{addr: addr, size: size})
	return nil
}

// takeLocked carves the first free block that fits.
func (h *HeapAllocator) takeLocked(size uint64) (uint64, bool) {
	for i := range h.free {
		b := h.free[i]
		if b.size < size {
			continue
		}
		if b.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = freeBlock{addr: b.addr + size, size: b.size - size}
		}
		h.sizes[b.addr] = size
		return b.addr, true
	}
	return 0, false
}

// insertLocked adds a block keeping the list sorted and coalesced.
func (h *HeapAllocator) insertLocked(b freeBlock) {
	h.free = append(h.free, b)
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].addr < h.free[j].addr })
	merged := h.free[:1]
	for _, nb := range h.free[1:] {
		last := &merged[len(merged)-1]
		if last.addr+last.size == nb.addr {
			last.size += nb.size
		} else {
			merged = append(merged, nb)
		}
	}
	h.free = merged
}
