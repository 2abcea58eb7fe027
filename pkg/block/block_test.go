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

package block_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestBlockSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Block device test suite")
}

// flakyDevice fails the next read while failNext is set, then succeeds.
type flakyDevice struct {
	*block.MemDevice
	failNext bool
	attempts int
}

func (d *flakyDevice) ReadBlocks(lba uint64, buf []byte) error {
	d.attempts++
	if d.failNext {
		d.failNext = false
		return fmt.Errorf("transient failure")
	}
	return d.MemDevice.ReadBlocks(lba, buf)
}

var _ = Describe("MemDevice", Label("block"), func() {
	It("round-trips sector writes", func() {
		dev := block.NewMemDevice(16)
		buf := make([]byte, types.SectorSize)
		for i := range buf {
			buf[i] = byte(i)
		}
		Expect(dev.WriteBlocks(3, buf)).To(Succeed())

		out := make([]byte, types.SectorSize)
		Expect(dev.ReadBlocks(3, out)).To(Succeed())
		Expect(out).To(Equal(buf))
	})
	It("rejects out of range and unaligned access", func() {
		dev := block.NewMemDevice(4)
		buf := make([]byte, types.SectorSize)
		Expect(dev.ReadBlocks(4, buf)).To(MatchError(block.ErrOutOfRange))
		Expect(dev.WriteBlocks(0, make([]byte, 100))).To(MatchError(block.ErrUnalignedBuffer))
	})
	It("pads wrapped byte slices to a sector boundary", func() {
		dev := block.NewMemDeviceFrom(make([]byte, 700))
		Expect(dev.NumBlocks()).To(Equal(uint64(2)))
	})
})

var _ = Describe("RetryDevice", Label("block"), func() {
	It("retries a transient failure once", func() {
		flaky := &flakyDevice{MemDevice: block.NewMemDevice(4), failNext: true}
		dev := block.NewRetryDevice(flaky, types.NewNullLogger())
		buf := make([]byte, types.SectorSize)
		Expect(dev.ReadBlocks(0, buf)).To(Succeed())
		Expect(flaky.attempts).To(Equal(2))
	})
	It("does not retry range errors", func() {
		flaky := &flakyDevice{MemDevice: block.NewMemDevice(4)}
		dev := block.NewRetryDevice(flaky, types.NewNullLogger())
		buf := make([]byte, types.SectorSize)
		Expect(dev.ReadBlocks(10, buf)).To(MatchError(block.ErrOutOfRange))
		Expect(flaky.attempts).To(Equal(1))
	})
})
