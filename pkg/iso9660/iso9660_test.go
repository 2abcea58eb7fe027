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

package iso9660_test

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/iso9660"
	"github.com/morpheusx/morpheusx/pkg/mocks"
)

func TestIso9660Suite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ISO9660 reader test suite")
}

func kernelBytes() []byte {
	data := make([]byte, 6000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

var _ = Describe("ISO9660", Label("iso9660"), func() {
	var dev *block.MemDevice
	var vol *iso9660.Volume

	buildISO := func(builder *mocks.IsoBuilder) {
		dev = block.NewMemDeviceFrom(builder.Build())
		var err error
		vol, err = iso9660.Mount(dev, 0)
		Expect(err).To(BeNil())
	}

	BeforeEach(func() {
		buildISO(&mocks.IsoBuilder{
			VolumeID: "MORPHEUS_TEST",
			Files: []mocks.IsoFile{
				{Path: "/casper/vmlinuz", Data: kernelBytes()},
				{Path: "/casper/initrd.img", Data: bytes.Repeat([]byte{0xAB}, 3000)},
				{Path: "/readme.txt", Data: []byte("morpheus lives")},
			},
			BootImage: bytes.Repeat([]byte{0xEF}, 1024),
		})
	})

	It("mounts the primary volume descriptor", func() {
		Expect(vol.VolumeID).To(Equal("MORPHEUS_TEST"))
		Expect(vol.RootExtentLBA).NotTo(BeZero())
		Expect(vol.BootCatalogLBA).NotTo(BeZero())
		Expect(vol.HasJoliet).To(BeFalse())
	})

	It("records a Joliet tree without switching namespaces", func() {
		buildISO(&mocks.IsoBuilder{
			VolumeID:   "JLT",
			Files:      []mocks.IsoFile{{Path: "/a.txt", Data: []byte("x")}},
			WithJoliet: true,
		})
		Expect(vol.HasJoliet).To(BeTrue())
		_, err := iso9660.FindFile(dev, vol, "/a.txt")
		Expect(err).To(BeNil())
	})

	It("lists the root directory without self and parent records", func() {
		entries, err := iso9660.ReadDir(dev, vol, vol.RootExtentLBA, vol.RootExtentLen)
		Expect(err).To(BeNil())
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name)
		}
		Expect(names).To(ConsistOf("casper", "readme.txt"))
	})

	It("resolves nested paths and strips version suffixes", func() {
		e, err := iso9660.FindFile(dev, vol, "/casper/vmlinuz")
		Expect(err).To(BeNil())
		Expect(e.Name).To(Equal("vmlinuz"))
		Expect(e.Size).To(Equal(uint32(6000)))
		Expect(e.IsDir()).To(BeFalse())

		data, err := iso9660.ReadFileVec(dev, vol, &e)
		Expect(err).To(BeNil())
		Expect(data).To(Equal(kernelBytes()))
	})

	It("returns NotFound for missing paths", func() {
		_, err := iso9660.FindFile(dev, vol, "/does/not/exist")
		Expect(err).To(MatchError(iso9660.ErrNotFound))
	})

	It("reads a file into a caller buffer", func() {
		e, err := iso9660.FindFile(dev, vol, "/readme.txt")
		Expect(err).To(BeNil())
		buf := make([]byte, e.Size)
		n, err := iso9660.ReadFile(dev, vol, &e, buf)
		Expect(err).To(BeNil())
		Expect(n).To(Equal(len("morpheus lives")))
		Expect(string(buf[:n])).To(Equal("morpheus lives"))
	})

	It("parses the El Torito default boot entry", func() {
		img, err := iso9660.FindBootImage(dev, vol)
		Expect(err).To(BeNil())
		Expect(img.Bootable).To(BeTrue())
		Expect(img.MediaType).To(Equal(byte(iso9660.MediaNoEmulation)))
		Expect(img.LoadRBA).NotTo(BeZero())
	})

	It("fails mounting a device with no descriptors", func() {
		empty := block.NewMemDevice(256)
		_, err := iso9660.Mount(empty, 0)
		Expect(err).To(MatchError(iso9660.ErrInvalidFormat))
	})
})
