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

package fat32_test

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/fat32"
)

func TestFat32Suite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FAT32 engine test suite")
}

const partSectors = 65 * 1024 * 2 // 65 MiB, the format minimum

func freshVolume() (*block.MemDevice, *fat32.Context) {
	dev := block.NewMemDevice(partSectors)
	Expect(fat32.Format(dev, "MORPHTEST")).To(Succeed())
	ctx, err := fat32.Mount(dev)
	Expect(err).To(BeNil())
	return dev, ctx
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

var _ = Describe("Format and Mount", Label("fat32"), func() {
	It("rejects undersized partitions", func() {
		small := block.NewMemDevice(1024)
		Expect(fat32.Format(small, "X")).To(MatchError(fat32.ErrPartitionTooSmall))
	})
	It("formats a volume that mounts cleanly", func() {
		_, ctx := freshVolume()
		Expect(ctx.SectorsPerCluster).To(Equal(uint32(8)))
		Expect(ctx.ReservedSectors).To(Equal(uint32(32)))
		Expect(ctx.NumFats).To(Equal(uint32(2)))
		Expect(ctx.RootCluster).To(Equal(uint32(2)))
		Expect(ctx.DataStartSector).To(Equal(ctx.ReservedSectors + 2*ctx.FatSize))
	})
	It("refuses to mount a device without boot signature", func() {
		dev := block.NewMemDevice(partSectors)
		_, err := fat32.Mount(dev)
		Expect(err).To(MatchError(fat32.ErrInvalidFormat))
	})
	It("keeps both FAT copies identical after format", func() {
		_, ctx := freshVolume()
		equal, err := ctx.FATsEqual()
		Expect(err).To(BeNil())
		Expect(equal).To(BeTrue())
	})
})

var _ = Describe("Files", Label("fat32"), func() {
	It("round-trips a multi-cluster file and keeps invariants", func() {
		_, ctx := freshVolume()
		data := patternData(10000) // 3 clusters of 4 KiB

		Expect(ctx.CreateFile("/TEST.BIN", data)).To(Succeed())

		info, err := ctx.Lookup("/TEST.BIN")
		Expect(err).To(BeNil())
		Expect(info.Size).To(Equal(uint32(len(data))))

		chain, err := ctx.Chain(info.FirstCluster)
		Expect(err).To(BeNil())
		Expect(chain).To(HaveLen(3)) // ceil(10000/4096)

		out, err := ctx.ReadFile("/TEST.BIN")
		Expect(err).To(BeNil())
		Expect(bytes.Equal(out, data)).To(BeTrue())

		equal, err := ctx.FATsEqual()
		Expect(err).To(BeNil())
		Expect(equal).To(BeTrue())
	})
	It("creates files in nested directories", func() {
		_, ctx := freshVolume()
		_, err := ctx.MkdirAll("/MORPHEUS/ISOS")
		Expect(err).To(BeNil())
		Expect(ctx.CreateFile("/MORPHEUS/ISOS/ABCD1234.MFS", patternData(300))).To(Succeed())

		out, err := ctx.ReadFile("/MORPHEUS/ISOS/ABCD1234.MFS")
		Expect(err).To(BeNil())
		Expect(out).To(HaveLen(300))

		entries, err := ctx.ReadDir(ctx.RootCluster)
		Expect(err).To(BeNil())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name).To(Equal("MORPHEUS"))
		Expect(entries[0].IsDir()).To(BeTrue())
	})
	It("returns NotFound for missing paths", func() {
		_, ctx := freshVolume()
		_, err := ctx.ReadFile("/NOPE.TXT")
		Expect(err).To(MatchError(fat32.ErrNotFound))
	})
	It("rejects duplicate files", func() {
		_, ctx := freshVolume()
		Expect(ctx.CreateFile("/A.TXT", []byte("one"))).To(Succeed())
		Expect(ctx.CreateFile("/A.TXT", []byte("two"))).To(MatchError(fat32.ErrExists))
	})
	It("removes files and frees their clusters", func() {
		_, ctx := freshVolume()
		Expect(ctx.CreateFile("/GONE.BIN", patternData(9000))).To(Succeed())
		info, _ := ctx.Lookup("/GONE.BIN")
		first := info.FirstCluster

		Expect(ctx.RemoveFile("/GONE.BIN")).To(Succeed())
		_, err := ctx.Lookup("/GONE.BIN")
		Expect(err).To(MatchError(fat32.ErrNotFound))

		entry, err := ctx.ReadFATEntry(first)
		Expect(err).To(BeNil())
		Expect(entry).To(BeZero())
	})
	It("preallocates a contiguous chain for streamed data", func() {
		_, ctx := freshVolume()
		first, err := ctx.PreallocateFile("/ISODATA.BIN", 1024*1024)
		Expect(err).To(BeNil())
		Expect(first).To(Equal(uint32(3))) // right after the root cluster

		chain, err := ctx.Chain(first)
		Expect(err).To(BeNil())
		Expect(chain).To(HaveLen(256))
		for i := 1; i < len(chain); i++ {
			Expect(chain[i]).To(Equal(chain[i-1] + 1))
		}
	})
})

var _ = Describe("Names", Label("fat32"), func() {
	It("canonicalizes 8.3 names case-insensitively", func() {
		raw, err := fat32.To83("vmlinuz.efi")
		Expect(err).To(BeNil())
		Expect(fat32.From83(raw)).To(Equal("VMLINUZ.EFI"))
	})
	It("rejects names that do not fit 8.3", func() {
		_, err := fat32.To83("averylongfilename.toolong")
		Expect(err).NotTo(BeNil())
	})
})
