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

package memreg_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/memreg"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestMemregSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory registry test suite")
}

func checkNoOverlap(descs []memreg.Descriptor) {
	for i := 1; i < len(descs); i++ {
		Expect(descs[i].PhysStart).To(BeNumerically(">=", descs[i-1].End()),
			"descriptors %d and %d overlap", i-1, i)
	}
}

var _ = Describe("Registry", Label("memreg"), func() {
	var reg *memreg.Registry

	seed := func(descs ...memreg.Descriptor) {
		reg = memreg.NewRegistry(types.NewNullLogger())
		Expect(reg.Seed(descs)).To(Succeed())
	}

	BeforeEach(func() {
		seed(
			memreg.Descriptor{Type: memreg.Conventional, PhysStart: 0x100000, Pages: 0x7EF00},
			memreg.Descriptor{Type: memreg.BootServicesData, PhysStart: 0x7FFE0000, Pages: 0x10},
			memreg.Descriptor{Type: memreg.AcpiReclaim, PhysStart: 0x7FFF0000, Pages: 0x10},
		)
	})

	It("refuses to seed twice", func() {
		err := reg.Seed([]memreg.Descriptor{{Type: memreg.Conventional, PhysStart: 0, Pages: 1}})
		Expect(err).To(MatchError(memreg.ErrAlreadySeeded))
	})

	It("derives the E820 table with the fixed type mapping", func() {
		e820 := reg.E820()
		Expect(e820).To(HaveLen(3))
		Expect(e820[0]).To(Equal(memreg.E820Entry{Addr: 0x100000, Size: 0x7EF00000, Type: 1}))
		Expect(e820[1]).To(Equal(memreg.E820Entry{Addr: 0x7FFE0000, Size: 0x10000, Type: 2}))
		Expect(e820[2]).To(Equal(memreg.E820Entry{Addr: 0x7FFF0000, Size: 0x10000, Type: 3}))
	})

	It("allocates any pages by splitting a free span", func() {
		free := reg.FreePageCount()
		addr, err := reg.AllocatePages(memreg.AnyPages(), memreg.LoaderData, 16)
		Expect(err).To(BeNil())
		Expect(addr).To(Equal(uint64(0x100000)))
		Expect(reg.FreePageCount()).To(Equal(free - 16))
		checkNoOverlap(reg.Snapshot())
	})

	It("honors MaxAddress by taking the highest span under the cap", func() {
		addr, err := reg.AllocatePages(memreg.MaxAddress(0x40000000), memreg.LoaderData, 1)
		Expect(err).To(BeNil())
		Expect(addr + 0x1000).To(BeNumerically("<=", 0x40000000))
		// Highest fit: right below the cap.
		Expect(addr).To(Equal(uint64(0x40000000 - 0x1000)))
	})

	It("allocates at an exact address or fails", func() {
		addr, err := reg.AllocatePages(memreg.AtAddress(0x200000), memreg.LoaderCode, 4)
		Expect(err).To(BeNil())
		Expect(addr).To(Equal(uint64(0x200000)))

		_, err = reg.AllocatePages(memreg.AtAddress(0x200000), memreg.LoaderCode, 1)
		Expect(err).To(MatchError(memreg.ErrAllocationFailed))
		checkNoOverlap(reg.Snapshot())
	})

	It("frees and coalesces back into one span", func() {
		before := len(reg.Snapshot())
		addr, err := reg.AllocatePages(memreg.AtAddress(0x300000), memreg.LoaderData, 8)
		Expect(err).To(BeNil())
		Expect(reg.FreePages(addr, 8)).To(Succeed())
		Expect(reg.Snapshot()).To(HaveLen(before))
		checkNoOverlap(reg.Snapshot())
	})

	It("rejects freeing unallocated ranges", func() {
		Expect(reg.FreePages(0x100000, 1)).To(MatchError(memreg.ErrNotAllocated))
	})

	It("fails allocations that cannot be satisfied without panicking", func() {
		_, err := reg.AllocatePages(memreg.AnyPages(), memreg.LoaderData, 1<<40)
		Expect(err).To(MatchError(memreg.ErrAllocationFailed))
	})
})

var _ = Describe("HeapAllocator", Label("memreg"), func() {
	var reg *memreg.Registry
	var heap *memreg.HeapAllocator

	BeforeEach(func() {
		reg = memreg.NewRegistry(types.NewNullLogger())
		Expect(reg.Seed([]memreg.Descriptor{
			{Type: memreg.Conventional, PhysStart: 0x100000, Pages: 256},
		})).To(Succeed())
		var err error
		heap, err = memreg.NewHeap(reg, 4)
		Expect(err).To(BeNil())
	})

	It("hands out disjoint blocks and reuses freed ones", func() {
		a, err := heap.Alloc(100)
		Expect(err).To(BeNil())
		b, err := heap.Alloc(100)
		Expect(err).To(BeNil())
		Expect(a).NotTo(Equal(b))

		Expect(heap.Free(a)).To(Succeed())
		c, err := heap.Alloc(64)
		Expect(err).To(BeNil())
		Expect(c).To(Equal(a))
	})

	It("grows contiguously through the registry when exhausted", func() {
		initial := heap.Size()
		_, err := heap.Alloc(8 * 4096)
		Expect(err).To(BeNil())
		Expect(heap.Size()).To(BeNumerically(">", initial))
		// The grown region is contiguous with the original.
		Expect(heap.Size()).To(Equal(uint64(12 * 4096)))
	})

	It("fails when contiguous growth is blocked", func() {
		// Occupy the pages right after the heap so it cannot grow.
		end := heap.Base() + heap.Size()
		_, err := reg.AllocatePages(memreg.AtAddress(end), memreg.LoaderData, 4)
		Expect(err).To(BeNil())
		_, err = heap.Alloc(64 * 4096)
		Expect(err).To(MatchError(memreg.ErrHeapExhausted))
	})

	It("rejects double frees", func() {
		a, _ := heap.Alloc(32)
		Expect(heap.Free(a)).To(Succeed())
		Expect(heap.Free(a)).To(MatchError(memreg.ErrBadFree))
	})
})
