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

// Package memreg owns the view of physical memory after firmware exit.
// It mirrors the firmware allocator surface (allocate pages, free pages,
// memory map snapshot) and derives the E820 table the kernel consumes.
package memreg

import (
	"fmt"
	"sort"

	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// MemoryType classifies a descriptor, mirroring the firmware types plus
// our own heap marker.
type MemoryType int

const (
	Reserved MemoryType = iota
	Conventional
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	AcpiReclaim
	AcpiNVS
	Mmio
	Heap
)

// Descriptor is one physical memory range in 4 KiB pages.
type Descriptor struct {
	Type       MemoryType
	PhysStart  uint64
	Pages      uint64
	Attributes uint64
}

// End returns one past the last byte of the range.
func (d Descriptor) End() uint64 {
	return d.PhysStart + d.Pages*constants.PageSize
}

// AllocateMode selects where pages may come from.
type AllocateMode struct {
	kind int
	addr uint64
}

const (
	modeAny = iota
	modeMaxAddress
	modeAddress
)

// AnyPages allocates from any free span.
func AnyPages() AllocateMode {
	return AllocateMode{kind: modeAny}
}

// MaxAddress allocates the highest free span ending at or under the cap,
// used for legacy-low placements.
func MaxAddress(cap uint64) AllocateMode {
	return AllocateMode{kind: modeMaxAddress, addr: cap}
}

// AtAddress allocates exactly at the given page-aligned address.
func AtAddress(addr uint64) AllocateMode {
	return AllocateMode{kind: modeAddress, addr: addr}
}

var (
	ErrAlreadySeeded    = fmt.Errorf("memory registry seeded twice")
	ErrNotSeeded        = fmt.Errorf("memory registry not seeded")
	ErrAllocationFailed = fmt.Errorf("allocation failed")
	ErrNotAllocated     = fmt.Errorf("range not allocated")
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
	E820Acpi     = 3
	E820Nvs      = 4
)

// E820Entry is one kernel memory-map record.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// MaxE820Entries caps the exported table, matching the zero page.
const MaxE820Entries = 128

// Registry is the singleton owner of physical memory. It is not
// concurrency safe; the whole platform runs single threaded.
type Registry struct {
	log    types.Logger
	descs  []Descriptor
	seeded bool
}

func NewRegistry(log types.Logger) *Registry {
	return &Registry{log: log}
}

// Seed imports the firmware memory map once. A second seed is a fatal
// programming error surfaced as ErrAlreadySeeded.
func (r *Registry) Seed(firmware []Descriptor) error {
	if r.seeded {
		return ErrAlreadySeeded
	}
	r.descs = make([]Descriptor, 0, len(firmware))
	for _, d := range firmware {
		if d.Pages == 0 {
			continue
		}
		r.descs = append(r.descs, d)
	}
	sort.Slice(r.descs, func(i, j int) bool { return r.descs[i].PhysStart < r.descs[j].PhysStart })
	for i := 1; i < len(r.descs); i++ {
		if r.descs[i].PhysStart < r.descs[i-1].End() {
			return fmt.Errorf("firmware map overlap at %#x", r.descs[i].PhysStart)
		}
	}
	r.merge()
	r.seeded = true
	r.log.Debugf("memory registry seeded with %d descriptors", len(r.descs))
	return nil
}

// Snapshot returns a copy of the descriptor set in ascending order.
func (r *Registry) Snapshot() []Descriptor {
	out := make([]Descriptor, len(r.descs))
	copy(out, r.descs)
	return out
}

// merge coalesces adjacent descriptors of the same type.
func (r *Registry) merge() {
	if len(r.descs) < 2 {
		return
	}
	merged := r.descs[:1]
	for _, d := range r.descs[1:] {
		last := &merged[len(merged)-1]
		if last.Type == d.Type && last.End() == d.PhysStart && last.Attributes == d.Attributes {
			last.Pages += d.Pages
		} else {
			merged = append(merged, d)
		}
	}
	r.descs = merged
}

// carve splits the free descriptor at index i so that [addr, addr+pages)
// becomes its own descriptor of the requested type.
func (r *Registry) carve(i int, addr, pages uint64, typ MemoryType) {
	d := r.descs[i]
	var out []Descriptor
	if addr > d.PhysStart {
		out = append(out, Descriptor{
			Type: d.Type, PhysStart: d.PhysStart,
			Pages: (addr - d.PhysStart) / constants.PageSize, Attributes: d.Attributes,
		})
	}
	out = append(out, Descriptor{Type: typ, PhysStart: addr, Pages: pages, Attributes: d.Attributes})
	end := addr + pages*constants.PageSize
	if end < d.End() {
		out = append(out, Descriptor{
			Type: d.Type, PhysStart: end,
			Pages: (d.End() - end) / constants.PageSize, Attributes: d.Attributes,
		})
	}
	r.descs = append(r.descs[:i], append(out, r.descs[i+1:]...)...)
	r.merge()
}

// AllocatePages reserves pages of the given type and returns the
// physical address. Failures are recoverable: the caller may shrink the
// request or try another placement.
func (r *Registry) AllocatePages(mode AllocateMode, typ MemoryType, pages uint64) (uint64, error) {
	if !r.seeded {
		return 0, ErrNotSeeded
	}
	if pages == 0 {
		return 0, ErrAllocationFailed
	}
	bytes := pages * constants.PageSize

	switch mode.kind {
	case modeAny:
		for i, d := range r.descs {
			if d.Type == Conventional && d.Pages >= pages {
				addr := d.PhysStart
				r.carve(i, addr, pages, typ)
				return addr, nil
			}
		}
	case modeMaxAddress:
		for i := len(r.descs) - 1; i >= 0; i-- {
			d := r.descs[i]
			if d.Type != Conventional || d.Pages < pages {
				continue
			}
			// Highest span whose allocation still ends under the cap.
			end := d.End()
			if end > mode.addr {
				end = mode.addr &^ (constants.PageSize - 1)
			}
			if end < d.PhysStart+bytes {
				continue
			}
			addr := end - bytes
			r.carve(i, addr, pages, typ)
			return addr, nil
		}
	case modeAddress:
		addr := mode.addr
		for i, d := range r.descs {
			if d.Type == Conventional && addr >= d.PhysStart && addr+bytes <= d.End() {
				r.carve(i, addr, pages, typ)
				return addr, nil
			}
		}
	}
	return 0, ErrAllocationFailed
}

// FreePages returns a range to the conventional pool, coalescing with
// its neighbors.
func (r *Registry) FreePages(addr, pages uint64) error {
	if !r.seeded {
		return ErrNotSeeded
	}
	bytes := pages * constants.PageSize
	for i, d := range r.descs {
		if d.PhysStart <= addr && addr+bytes <= d.End() {
			if d.Type == Conventional {
				return ErrNotAllocated
			}
			r.carve(i, addr, pages, Conventional)
			return nil
		}
	}
	return ErrNotAllocated
}

// E820 derives the kernel memory map: conventional ranges become RAM,
// ACPI ranges keep their class, everything else is reserved. The table
// is capped at 128 entries in ascending physical order.
func (r *Registry) E820() []E820Entry {
	var out []E820Entry
	for _, d := range r.descs {
		var typ uint32
		switch d.Type {
		case Conventional:
			typ = E820Ram
		case AcpiReclaim:
			typ = E820Acpi
		case AcpiNVS:
			typ = E820Nvs
		default:
			typ = E820Reserved
		}
		if n := len(out); n > 0 && out[n-1].Type == typ && out[n-1].Addr+out[n-1].Size == d.PhysStart {
			out[n-1].Size += d.Pages * constants.PageSize
			continue
		}
		if len(out) == MaxE820Entries {
			r.log.Warnf("E820 table full, dropping ranges from %#x", d.PhysStart)
			break
		}
		out = append(out, E820Entry{Addr: d.PhysStart, Size: d.Pages * constants.PageSize, Type: typ})
	}
	return out
}

// FreePageCount sums the conventional pages, used by invariant checks.
func (r *Registry) FreePageCount() uint64 {
	var total uint64
	for _, d := range r.descs {
		if d.Type == Conventional {
			total += d.Pages
		}
	}
	return total
}
