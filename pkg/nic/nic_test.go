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

package nic_test

import (
	"encoding/binary"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/dma"
	"github.com/morpheusx/morpheusx/pkg/feedback"
	"github.com/morpheusx/morpheusx/pkg/nic"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestNicSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NIC driver test suite")
}

const fakeBusBase = 0x4000_0000

// fakeVirtio models a modern virtio-net device over the MMIO window,
// processing the split rings laid out in the DMA region.
type fakeVirtio struct {
	region *dma.Region
	regs   map[uint32]uint32

	mac        [6]byte
	features   uint64
	linkStatus uint16
	// dropFeaturesOK simulates a device that rejects the negotiation.
	dropFeaturesOK bool

	drvFeatures uint64

	queueSel  uint32
	lastAvail [2]uint16

	txFrames [][]byte
}

func newFakeVirtio(region *dma.Region) *fakeVirtio {
	return &fakeVirtio{
		region:     region,
		regs:       map[uint32]uint32{},
		mac:        [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		features:   1<<32 | 1<<5 | 1<<16 | 1<<15 | 1<<17, // VERSION_1, MAC, STATUS, MRG_RXBUF, CTRL_VQ
		linkStatus: 1,
	}
}

func (f *fakeVirtio) Read8(off uint32) uint8 {
	if off >= 0x100 && off < 0x106 {
		return f.mac[off-0x100]
	}
	return 0
}

func (f *fakeVirtio) Write8(uint32, uint8) {}

func (f *fakeVirtio) Read16(off uint32) uint16 {
	if off == 0x106 {
		return f.linkStatus
	}
	return uint16(f.Read32(off))
}

func (f *fakeVirtio) Write16(off uint32, v uint16) { f.Write32(off, uint32(v)) }

func (f *fakeVirtio) Read32(off uint32) uint32 {
	switch off {
	case 0x000:
		return 0x74726976
	case 0x004:
		return 2
	case 0x008:
		return 1
	case 0x010:
		if f.regs[0x014] == 0 {
			return uint32(f.features)
		}
		return uint32(f.features >> 32)
	case 0x034:
		return dma.QueueSize
	case 0x070:
		status := f.regs[0x070]
		if f.dropFeaturesOK {
			status &^= 8
		}
		return status
	}
	return f.regs[off]
}

func (f *fakeVirtio) Write32(off uint32, v uint32) {
	switch off {
	case 0x020:
		if f.regs[0x024] == 0 {
			f.drvFeatures = f.drvFeatures&^0xFFFFFFFF | uint64(v)
		} else {
			f.drvFeatures = f.drvFeatures&0xFFFFFFFF | uint64(v)<<32
		}
	case 0x030:
		f.queueSel = v
	case 0x050:
		if v == 1 {
			f.processTx()
		}
	}
	f.regs[off] = v
}

func (f *fakeVirtio) availIdx(q int) uint16 {
	off := dma.RxAvailOffset
	if q == 1 {
		off = dma.TxAvailOffset
	}
	return binary.LittleEndian.Uint16(f.region.Bytes(off+2, 2))
}

func (f *fakeVirtio) availEntry(q int, slot uint16) uint16 {
	off := dma.RxAvailOffset
	if q == 1 {
		off = dma.TxAvailOffset
	}
	return binary.LittleEndian.Uint16(f.region.Bytes(off+4+int(slot%dma.QueueSize)*2, 2))
}

func (f *fakeVirtio) desc(q int, i uint16) (addr uint64, length uint32) {
	off := dma.RxDescOffset
	if q == 1 {
		off = dma.TxDescOffset
	}
	d := f.region.Bytes(off+int(i)*16, 16)
	return binary.LittleEndian.Uint64(d), binary.LittleEndian.Uint32(d[8:])
}

func (f *fakeVirtio) pushUsed(q int, id uint32, length uint32) {
	off := dma.RxUsedOffset
	if q == 1 {
		off = dma.TxUsedOffset
	}
	used := f.region.Bytes(off, 4+dma.QueueSize*8)
	idx := binary.LittleEndian.Uint16(used[2:])
	elem := used[4+int(idx%dma.QueueSize)*8:]
	binary.LittleEndian.PutUint32(elem, id)
	binary.LittleEndian.PutUint32(elem[4:], length)
	binary.LittleEndian.PutUint16(used[2:], idx+1)
}

// processTx consumes queued TX descriptors, recording the frames.
func (f *fakeVirtio) processTx() {
	for f.lastAvail[1] != f.availIdx(1) {
		descIdx := f.availEntry(1, f.lastAvail[1])
		addr, length := f.desc(1, descIdx)
		data := f.region.Bytes(int(addr-fakeBusBase), int(length))
		frame := make([]byte, length-12)
		copy(frame, data[12:])
		f.txFrames = append(f.txFrames, frame)
		f.pushUsed(1, uint32(descIdx), 0)
		f.lastAvail[1]++
	}
}

// injectFrame delivers one RX frame through the next available buffer.
func (f *fakeVirtio) injectFrame(frame []byte) bool {
	if f.lastAvail[0] == f.availIdx(0) {
		return false
	}
	descIdx := f.availEntry(0, f.lastAvail[0])
	addr, _ := f.desc(0, descIdx)
	data := f.region.Bytes(int(addr-fakeBusBase), dma.BufferSize)
	for i := 0; i < 12; i++ {
		data[i] = 0
	}
	copy(data[12:], frame)
	f.pushUsed(0, uint32(descIdx), uint32(12+len(frame)))
	f.lastAvail[0]++
	return true
}

// fakeIntel models the e1000e register file and rings.
type fakeIntel struct {
	region *dma.Region
	regs   map[uint32]uint32

	rxHead   uint16
	txHead   uint16
	txFrames [][]byte
}

func newFakeIntel(region *dma.Region) *fakeIntel {
	f := &fakeIntel{region: region, regs: map[uint32]uint32{}}
	f.regs[0x5400] = 0x00005452 // RAL: 52:54:00:...
	f.regs[0x5404] = 0x3412     // RAH low half
	f.regs[0x0008] = 1 << 1     // link up
	return f
}

func (f *fakeIntel) Read8(off uint32) uint8       { return uint8(f.Read32(off)) }
func (f *fakeIntel) Write8(off uint32, v uint8)   { f.Write32(off, uint32(v)) }
func (f *fakeIntel) Read16(off uint32) uint16     { return uint16(f.Read32(off)) }
func (f *fakeIntel) Write16(off uint32, v uint16) { f.Write32(off, uint32(v)) }

func (f *fakeIntel) Read32(off uint32) uint32 {
	return f.regs[off]
}

func (f *fakeIntel) Write32(off uint32, v uint32) {
	switch off {
	case 0x0000:
		// Reset completes instantly.
		v &^= 1 << 26
	case 0x3818:
		f.regs[off] = v
		f.processTx(uint16(v))
		return
	}
	f.regs[off] = v
}

func (f *fakeIntel) processTx(tail uint16) {
	for f.txHead != tail {
		desc := f.region.Bytes(dma.TxDescOffset+int(f.txHead)*16, 16)
		addr := binary.LittleEndian.Uint64(desc)
		length := binary.LittleEndian.Uint16(desc[8:])
		frame := make([]byte, length)
		copy(frame, f.region.Bytes(int(addr-fakeBusBase), int(length)))
		f.txFrames = append(f.txFrames, frame)
		desc[12] |= 1 // DD
		f.txHead = (f.txHead + 1) % dma.QueueSize
	}
}

// injectFrame completes the next RX descriptor with the given frame.
func (f *fakeIntel) injectFrame(frame []byte) {
	desc := f.region.Bytes(dma.RxDescOffset+int(f.rxHead)*16, 16)
	addr := binary.LittleEndian.Uint64(desc)
	copy(f.region.Bytes(int(addr-fakeBusBase), len(frame)), frame)
	binary.LittleEndian.PutUint16(desc[8:], uint16(len(frame)))
	desc[12] = 0x03 // DD | EOP
	f.rxHead = (f.rxHead + 1) % dma.QueueSize
}

var _ = Describe("VirtioNet", Label("nic"), func() {
	var region *dma.Region
	var dev *fakeVirtio
	var log types.Logger

	BeforeEach(func() {
		region = dma.NewRegion(fakeBusBase)
		dev = newFakeVirtio(region)
		log = types.NewNullLogger()
	})

	It("negotiates features without the forbidden bits", func() {
		_, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(BeNil())
		Expect(dev.drvFeatures & (1 << 32)).NotTo(BeZero()) // VERSION_1
		Expect(dev.drvFeatures & (1 << 5)).NotTo(BeZero())  // MAC
		Expect(dev.drvFeatures & (1 << 16)).NotTo(BeZero()) // STATUS
		Expect(dev.drvFeatures & (1 << 15)).To(BeZero())    // MRG_RXBUF
		Expect(dev.drvFeatures & (1 << 17)).To(BeZero())    // CTRL_VQ
		// DRIVER_OK reached.
		Expect(dev.regs[0x070] & 4).NotTo(BeZero())
	})

	It("aborts when FEATURES_OK does not persist", func() {
		dev.dropFeaturesOK = true
		_, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(MatchError(nic.ErrVirtioInit))
	})

	It("aborts without VIRTIO_F_VERSION_1", func() {
		dev.features &^= 1 << 32
		_, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(MatchError(nic.ErrVirtioInit))
	})

	It("reads the MAC and link state from config space", func() {
		d, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(BeNil())
		Expect(d.MACAddress()).To(Equal([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}))
		Expect(d.LinkUp()).To(BeTrue())
		dev.linkStatus = 0
		Expect(d.LinkUp()).To(BeFalse())
	})

	It("prefills all RX buffers and receives injected frames", func() {
		d, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(BeNil())
		// The device sees all 32 buffers.
		Expect(dev.availIdx(0)).To(Equal(uint16(dma.QueueSize)))

		Expect(dev.injectFrame([]byte("hello morpheus"))).To(BeTrue())
		Expect(d.CanReceive()).To(BeTrue())

		buf := make([]byte, 2048)
		n, err := d.Receive(buf)
		Expect(err).To(BeNil())
		Expect(string(buf[:n])).To(Equal("hello morpheus"))

		// Nothing else pending.
		n, err = d.Receive(buf)
		Expect(err).To(BeNil())
		Expect(n).To(BeZero())

		// Refill returns the consumed buffer to the device.
		before := dev.availIdx(0)
		d.RefillRxQueue()
		Expect(dev.availIdx(0)).To(Equal(before + 1))
	})

	It("transmits frames with completions reclaimed", func() {
		d, err := nic.NewVirtioNet(dev, region, log)
		Expect(err).To(BeNil())
		Expect(d.Transmit([]byte("frame one"))).To(Succeed())
		Expect(d.Transmit([]byte("frame two"))).To(Succeed())
		Expect(dev.txFrames).To(HaveLen(2))
		Expect(string(dev.txFrames[0])).To(Equal("frame one"))

		d.CollectTxCompletions()
		Expect(d.CanTransmit()).To(BeTrue())
	})

	It("rejects oversized frames", func() {
		d, _ := nic.NewVirtioNet(dev, region, log)
		Expect(d.Transmit(make([]byte, 4096))).To(MatchError(types.ErrFrameTooLarge))
	})
})

var _ = Describe("E1000e", Label("nic"), func() {
	var region *dma.Region
	var dev *fakeIntel
	var log types.Logger

	BeforeEach(func() {
		region = dma.NewRegion(fakeBusBase)
		dev = newFakeIntel(region)
		log = types.NewNullLogger()
	})

	It("resets brutally and rebuilds the ring registers", func() {
		_, err := nic.NewE1000e(dev, region, log)
		Expect(err).To(BeNil())
		Expect(dev.regs[0x2818]).To(Equal(uint32(dma.QueueSize - 1))) // RDT
		Expect(dev.regs[0x00D8]).To(Equal(uint32(0xFFFFFFFF)))        // IMC
		Expect(dev.regs[0x0100] & (3 << 6)).To(BeZero())              // no loopback
		Expect(dev.regs[0x0100] & (1 << 1)).NotTo(BeZero())           // RCTL.EN
	})

	It("reads the MAC from RAL/RAH", func() {
		d, err := nic.NewE1000e(dev, region, log)
		Expect(err).To(BeNil())
		Expect(d.MACAddress()).To(Equal([6]byte{0x52, 0x54, 0x00, 0x00, 0x12, 0x34}))
		Expect(d.LinkUp()).To(BeTrue())
	})

	It("receives frames after the DD bit appears", func() {
		d, err := nic.NewE1000e(dev, region, log)
		Expect(err).To(BeNil())
		Expect(d.CanReceive()).To(BeFalse())

		dev.injectFrame([]byte("intel frame"))
		Expect(d.CanReceive()).To(BeTrue())

		buf := make([]byte, 2048)
		n, err := d.Receive(buf)
		Expect(err).To(BeNil())
		Expect(string(buf[:n])).To(Equal("intel frame"))
		// The tail chased the consumed descriptor.
		Expect(dev.regs[0x2818]).To(Equal(uint32(0)))
	})

	It("transmits and reclaims completed descriptors", func() {
		d, err := nic.NewE1000e(dev, region, log)
		Expect(err).To(BeNil())
		Expect(d.Transmit([]byte("tx data"))).To(Succeed())
		Expect(dev.txFrames).To(HaveLen(1))
		Expect(string(dev.txFrames[0])).To(Equal("tx data"))

		d.CollectTxCompletions()
		Expect(d.CanTransmit()).To(BeTrue())
	})
})

// fakeConfig is an in-memory PCI configuration space.
type fakeConfig struct {
	devices map[[3]uint8][2]uint16
	command map[[3]uint8]uint32
}

func (f *fakeConfig) key(bus, slot, fn uint8) [3]uint8 { return [3]uint8{bus, slot, fn} }

func (f *fakeConfig) ReadConfig32(bus, slot, fn uint8, offset uint8) uint32 {
	ids, ok := f.devices[f.key(bus, slot, fn)]
	if !ok {
		return 0xFFFFFFFF
	}
	switch offset {
	case 0x00:
		return uint32(ids[1])<<16 | uint32(ids[0])
	case 0x04:
		return f.command[f.key(bus, slot, fn)]
	case 0x10:
		return fakeBusBase
	}
	return 0
}

func (f *fakeConfig) WriteConfig32(bus, slot, fn uint8, offset uint8, value uint32) {
	if offset == 0x04 {
		f.command[f.key(bus, slot, fn)] = value
	}
}

var _ = Describe("Probe", Label("nic"), func() {
	var region *dma.Region
	var ring *feedback.Ring
	var log types.Logger

	BeforeEach(func() {
		region = dma.NewRegion(fakeBusBase)
		ring = feedback.NewRing()
		log = types.NewNullLogger()
	})

	It("prefers Intel hardware over the paravirtual device", func() {
		cfg := &fakeConfig{
			devices: map[[3]uint8][2]uint16{
				{0, 2, 0}: {nic.VirtioVendorID, 0x1041},
				{0, 3, 0}: {nic.IntelVendorID, 0x10D3},
			},
			command: map[[3]uint8]uint32{},
		}
		intel := newFakeIntel(region)
		virtio := newFakeVirtio(region)
		attach := func(d nic.PciDevice) nic.MMIO {
			if d.Vendor == nic.IntelVendorID {
				return intel
			}
			return virtio
		}
		d, err := nic.Probe(cfg, attach, region, ring, log)
		Expect(err).To(BeNil())
		Expect(d.Kind()).To(Equal(nic.KindIntel))
		// Bus mastering got enabled.
		Expect(cfg.command[[3]uint8{0, 3, 0}] & 0x6).To(Equal(uint32(0x6)))
	})

	It("falls back to VirtIO and reports immediate link wait", func() {
		cfg := &fakeConfig{
			devices: map[[3]uint8][2]uint16{{0, 2, 0}: {nic.VirtioVendorID, 0x1000}},
			command: map[[3]uint8]uint32{},
		}
		virtio := newFakeVirtio(region)
		d, err := nic.Probe(cfg, func(nic.PciDevice) nic.MMIO { return virtio }, region, ring, log)
		Expect(err).To(BeNil())
		Expect(d.Kind()).To(Equal(nic.KindVirtio))
		Expect(d.LinkWaitImmediate()).To(BeTrue())
	})

	It("errors with an empty bus and logs to the feedback ring", func() {
		cfg := &fakeConfig{devices: map[[3]uint8][2]uint16{}, command: map[[3]uint8]uint32{}}
		_, err := nic.Probe(cfg, func(nic.PciDevice) nic.MMIO { return nil }, region, ring, log)
		Expect(err).To(MatchError(nic.ErrNoSupportedNic))
		Expect(ring.HasErrors()).To(BeTrue())
	})
})
