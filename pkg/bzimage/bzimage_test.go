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

package bzimage_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/bzimage"
	"github.com/morpheusx/morpheusx/pkg/mocks"
)

func TestBzimageSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bzImage parser test suite")
}

var _ = Describe("Parse", Label("bzimage"), func() {
	It("parses the setup header fields", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{
			SetupSects:  7,
			PayloadSize: 40000,
			Relocatable: true,
			PrefAddress: 0x1000000,
		})
		img, err := bzimage.Parse(raw)
		Expect(err).To(BeNil())
		Expect(img.SetupSects).To(Equal(uint8(7)))
		Expect(img.Protocol).To(Equal(uint16(0x020F)))
		Expect(img.Code32Start).To(Equal(uint32(0x100000)))
		Expect(img.PrefAddress).To(Equal(uint64(0x1000000)))
		Expect(img.Relocatable).To(BeTrue())
		Expect(img.SetupSize()).To(Equal(8 * 512))
		Expect(img.Payload()).To(HaveLen(40000))
		Expect(img.InitSize).To(BeNumerically(">=", len(img.Payload())))
	})
	It("treats zero setup_sects as four", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096})
		raw[0x1F1] = 0
		img, err := bzimage.Parse(raw)
		Expect(err).To(BeNil())
		Expect(img.SetupSects).To(Equal(uint8(4)))
	})
	It("rejects a missing boot flag", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096})
		raw[0x1FE] = 0
		_, err := bzimage.Parse(raw)
		Expect(err).To(MatchError(bzimage.ErrInvalidFormat))
	})
	It("rejects a missing HdrS magic", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096})
		raw[0x202] = 'X'
		_, err := bzimage.Parse(raw)
		Expect(err).To(MatchError(bzimage.ErrInvalidFormat))
	})
	It("rejects pre-2.15 protocols", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096})
		raw[0x206] = 0x00
		raw[0x207] = 0x02 // 2.00
		_, err := bzimage.Parse(raw)
		Expect(err).To(MatchError(bzimage.ErrInvalidFormat))
	})
	It("exposes the raw setup header for the zero page", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096})
		img, err := bzimage.Parse(raw)
		Expect(err).To(BeNil())
		hdr := img.SetupHeader()
		Expect(hdr).To(HaveLen(0x280 - 0x1F1))
		Expect(hdr[0]).To(Equal(uint8(4))) // setup_sects is the first byte
	})
	It("decodes the xloadflags bits", func() {
		raw := mocks.BuildBzImage(mocks.BzImageOptions{PayloadSize: 4096, CanBeAbove4G: true})
		img, _ := bzimage.Parse(raw)
		Expect(img.CanLoadAbove4G()).To(BeTrue())
		Expect(img.HasEfiHandover()).To(BeFalse())
	})
})
