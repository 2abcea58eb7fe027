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

package pe_test

import (
	"encoding/binary"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/mocks"
	"github.com/morpheusx/morpheusx/pkg/pe"
)

func TestPeSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PE engine test suite")
}

var _ = Describe("PE engine", Label("pe"), func() {
	var fixture *mocks.PeFixture
	var file []byte
	BeforeEach(func() {
		fixture = mocks.BuildPeFixture()
		file = fixture.File
	})

	Describe("Parse", func() {
		It("parses the fixture image", func() {
			img, err := pe.Parse(file)
			Expect(err).To(BeNil())
			Expect(img.Machine).To(Equal(uint16(0x8664)))
			Expect(img.ImageBase).To(Equal(uint64(pe.DefaultImageBase)))
			Expect(img.Sections).To(HaveLen(2))
			Expect(img.Sections[0].Name).To(Equal(".text"))
			Expect(img.RelocRVA).To(Equal(fixture.RelocRVA))
		})
		It("rejects a missing MZ signature", func() {
			file[0] = 'X'
			_, err := pe.Parse(file)
			Expect(err).To(MatchError(pe.ErrInvalidFormat))
		})
		It("rejects a bogus e_lfanew", func() {
			binary.LittleEndian.PutUint32(file[0x3C:], 0xFFFFFF)
			_, err := pe.Parse(file)
			Expect(err).To(MatchError(pe.ErrInvalidFormat))
		})
		It("rejects a PE32 (non plus) magic", func() {
			binary.LittleEndian.PutUint16(file[0x98:], 0x10B)
			_, err := pe.Parse(file)
			Expect(err).To(MatchError(pe.ErrInvalidFormat))
		})
	})

	Describe("relocation round-trip", func() {
		deltas := []int64{0, 0x10000, -0x10000, 0x40000000, -0x40000000}
		It("unrelocate(relocate(I, d), d) is bit-exact for every delta", func() {
			mem, err := pe.FileToMemory(file)
			Expect(err).To(BeNil())
			for _, delta := range deltas {
				work := make([]byte, len(mem))
				copy(work, mem)
				Expect(pe.Relocate(work, delta)).To(Succeed())
				Expect(pe.Unrelocate(work, delta)).To(Succeed())
				Expect(work).To(Equal(mem), "delta 0x%X", delta)
			}
		})
		It("moves DIR64 targets by the delta", func() {
			mem, _ := pe.FileToMemory(file)
			target := int(fixture.TextRVA + fixture.Fixups[0])
			before := binary.LittleEndian.Uint64(mem[target:])
			Expect(pe.Relocate(mem, 0x10000)).To(Succeed())
			after := binary.LittleEndian.Uint64(mem[target:])
			Expect(after - before).To(Equal(uint64(0x10000)))
		})
		It("leaves the image untouched when a block is malformed", func() {
			// Corrupt the block size to be smaller than its own header.
			binary.LittleEndian.PutUint32(file[fixture.RelocPtr+4:], 4)
			mem, err := pe.FileToMemory(file)
			Expect(err).To(BeNil())
			orig := make([]byte, len(mem))
			copy(orig, mem)
			Expect(pe.Relocate(mem, 0x10000)).To(MatchError(pe.ErrInvalidFormat))
			Expect(mem).To(Equal(orig))
		})
	})

	Describe("layout conversion", func() {
		It("mem_to_file(file_to_mem(I)) is bit-exact", func() {
			mem, err := pe.FileToMemory(file)
			Expect(err).To(BeNil())
			Expect(mem).To(HaveLen(int(fixture.ImageSize)))
			out, err := pe.MemoryToFile(mem)
			Expect(err).To(BeNil())
			Expect(out).To(Equal(file))
		})
		It("zero-fills section gaps in memory layout", func() {
			mem, _ := pe.FileToMemory(file)
			for _, b := range mem[fixture.HdrSize:fixture.TextRVA] {
				Expect(b).To(BeZero())
			}
		})
	})

	Describe("CaptureFileImage", func() {
		It("reconstructs the on-disk image from a loaded copy", func() {
			const loadAddr = 0x3E712000
			delta := int64(loadAddr) - pe.DefaultImageBase

			mem, err := pe.FileToMemory(file)
			Expect(err).To(BeNil())
			Expect(pe.Relocate(mem, delta)).To(Succeed())
			loaded, err := pe.Parse(mem)
			Expect(err).To(BeNil())
			loaded.SetImageBase(loadAddr)

			out, err := pe.CaptureFileImage(mem, loadAddr)
			Expect(err).To(BeNil())
			Expect(out).To(Equal(file))
			// Spot-check boundaries the way the installer verifies them.
			Expect(out[:512]).To(Equal(file[:512]))
			Expect(out[len(out)-512:]).To(Equal(file[len(file)-512:]))
		})
	})
})
