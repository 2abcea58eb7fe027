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

package gpt_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/gpt"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestGptSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "GPT engine test suite")
}

const diskSectors = 2097152 // 1 GiB

var _ = Describe("GPT", Label("gpt"), func() {
	var dev *block.MemDevice
	var log types.Logger
	BeforeEach(func() {
		dev = block.NewMemDevice(diskSectors)
		log = types.NewNullLogger()
	})

	It("encodes the EFI system type GUID in mixed-endian form", func() {
		want := [16]byte{
			0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11,
			0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B,
		}
		Expect([16]byte(gpt.TypeEfiSystem)).To(Equal(want))
		Expect(gpt.TypeEfiSystem.String()).To(Equal("c12a7328-f81f-11d2-ba4b-00a0c93ec93b"))
	})

	It("creates a table with protective MBR and both header copies", func() {
		_, err := gpt.Create(dev, log)
		Expect(err).To(BeNil())

		mbr := make([]byte, 512)
		Expect(dev.ReadBlocks(0, mbr)).To(Succeed())
		Expect(mbr[446+4]).To(Equal(byte(0xEE)))
		Expect(mbr[510]).To(Equal(byte(0x55)))
		Expect(mbr[511]).To(Equal(byte(0xAA)))

		sector := make([]byte, 512)
		Expect(dev.ReadBlocks(1, sector)).To(Succeed())
		primary, err := gpt.DecodeHeader(sector)
		Expect(err).To(BeNil())
		Expect(primary.CurrentLBA).To(Equal(uint64(1)))
		Expect(primary.BackupLBA).To(Equal(uint64(diskSectors - 1)))

		Expect(dev.ReadBlocks(diskSectors-1, sector)).To(Succeed())
		backup, err := gpt.DecodeHeader(sector)
		Expect(err).To(BeNil())
		Expect(backup.CurrentLBA).To(Equal(uint64(diskSectors - 1)))
		Expect(backup.BackupLBA).To(Equal(uint64(1)))
		Expect(backup.PartitionEntryLBA).To(Equal(uint64(diskSectors - 1 - 32)))
		Expect(backup.ArrayCRC32).To(Equal(primary.ArrayCRC32))
	})

	It("adds an ESP and validates both copies after reload", func() {
		t, err := gpt.Create(dev, log)
		Expect(err).To(BeNil())
		slot, err := t.AddPartition(gpt.TypeEfiSystem, 2048, 1050623, "esp")
		Expect(err).To(BeNil())
		Expect(slot).To(Equal(0))

		reloaded, err := gpt.Load(dev, log)
		Expect(err).To(BeNil())
		p, ok := reloaded.FindBySlot(0)
		Expect(ok).To(BeTrue())
		Expect(p.StartingLBA).To(Equal(uint64(2048)))
		Expect(p.EndingLBA).To(Equal(uint64(1050623)))
		Expect(p.TypeGUID).To(Equal(gpt.TypeEfiSystem))
		Expect(p.Name).To(Equal("esp"))
	})

	It("rejects overlapping partitions", func() {
		t, _ := gpt.Create(dev, log)
		_, err := t.AddPartition(gpt.TypeEfiSystem, 2048, 1050623, "esp")
		Expect(err).To(BeNil())
		_, err = t.AddPartition(gpt.TypeLinuxFilesystem, 1050000, 1060000, "bad")
		Expect(err).To(MatchError(gpt.ErrInvalidFormat))
	})

	It("deletes and shrinks partitions", func() {
		t, _ := gpt.Create(dev, log)
		_, err := t.AddPartition(gpt.TypeLinuxFilesystem, 2048, 409599, "data")
		Expect(err).To(BeNil())

		Expect(t.ShrinkPartition(0, 204799)).To(Succeed())
		reloaded, _ := gpt.Load(dev, log)
		p, _ := reloaded.FindBySlot(0)
		Expect(p.EndingLBA).To(Equal(uint64(204799)))

		Expect(reloaded.DeletePartition(0)).To(Succeed())
		reloaded, _ = gpt.Load(dev, log)
		Expect(reloaded.List()).To(BeEmpty())
	})

	It("finds aligned free space between partitions", func() {
		t, _ := gpt.Create(dev, log)
		_, err := t.AddPartition(gpt.TypeEfiSystem, 2048, 206847, "esp")
		Expect(err).To(BeNil())
		_, err = t.AddPartition(gpt.TypeLinuxFilesystem, 1048576, 2031615, "data")
		Expect(err).To(BeNil())

		start, end, err := t.FindFreeSpace(100000)
		Expect(err).To(BeNil())
		Expect(start).To(Equal(uint64(206848))) // already 1 MiB aligned
		Expect(end).To(Equal(uint64(1048575)))
	})

	It("reports no free space when every gap is too small", func() {
		t, _ := gpt.Create(dev, log)
		_, err := t.AddPartition(gpt.TypeLinuxFilesystem, 2048, uint64(diskSectors-34), "all")
		Expect(err).To(BeNil())
		_, _, err = t.FindFreeSpace(2048)
		Expect(err).To(MatchError(gpt.ErrNoFreeSpace))
	})

	It("recovers from a corrupted primary header via the backup", func() {
		t, _ := gpt.Create(dev, log)
		_, err := t.AddPartition(gpt.TypeEfiSystem, 2048, 1050623, "esp")
		Expect(err).To(BeNil())

		// Torn write: primary header destroyed.
		garbage := make([]byte, 512)
		Expect(dev.WriteBlocks(1, garbage)).To(Succeed())

		reloaded, err := gpt.Load(dev, log)
		Expect(err).To(BeNil())
		p, ok := reloaded.FindBySlot(0)
		Expect(ok).To(BeTrue())
		Expect(p.StartingLBA).To(Equal(uint64(2048)))

		// Recovery rewrote the primary copy.
		sector := make([]byte, 512)
		Expect(dev.ReadBlocks(1, sector)).To(Succeed())
		_, err = gpt.DecodeHeader(sector)
		Expect(err).To(BeNil())
	})

	It("fails when both copies are corrupted", func() {
		_, err := gpt.Create(dev, log)
		Expect(err).To(BeNil())
		garbage := make([]byte, 512)
		Expect(dev.WriteBlocks(1, garbage)).To(Succeed())
		Expect(dev.WriteBlocks(diskSectors-1, garbage)).To(Succeed())
		_, err = gpt.Load(dev, log)
		Expect(err).To(MatchError(gpt.ErrInvalidFormat))
	})
})
