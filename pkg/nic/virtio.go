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

package nic

import (
	"encoding/binary"
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/dma"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// VirtIO MMIO register layout (spec 4.2.2, version 2 interface).
const (
	vregMagic        = 0x000
	vregVersion      = 0x004
	vregDeviceID     = 0x008
	vregDevFeatures  = 0x010
	vregDevFeatSel   = 0x014
	vregDrvFeatures  = 0x020
	vregDrvFeatSel   = 0x024
	vregQueueSel     = 0x030
	vregQueueNumMax  = 0x034
	vregQueueNum     = 0x038
	vregQueueReady   = 0x044
	vregQueueNotify  = 0x050
	vregStatus       = 0x070
	vregQueueDescLo  = 0x080
	vregQueueDescHi  = 0x084
	vregQueueAvailLo = 0x090
	vregQueueAvailHi = 0x094
	vregQueueUsedLo  = 0x0A0
	vregQueueUsedHi  = 0x0A4
	vregConfig       = 0x100
)

const (
	virtioMagic       = 0x74726976 // "virt"
	virtioNetDeviceID = 1
)

// Device status bits, written in the mandated order.
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusFailed      = 128
)

// Feature bits.
const (
	featNetMac       = 1 << 5
	featNetGuestTso4 = 1 << 7
	featNetGuestTso6 = 1 << 8
	featNetGuestUfo  = 1 << 10
	featNetMrgRxbuf  = 1 << 15
	featNetStatus    = 1 << 16
	featNetCtrlVq    = 1 << 17
	featVersion1     = 1 << 32
)

// forbiddenFeatures change buffer semantics and are never negotiated.
const forbiddenFeatures = featNetMrgRxbuf | featNetGuestTso4 | featNetGuestTso6 |
	featNetGuestUfo | featNetCtrlVq

// virtio-net header prepended to every frame. With VERSION_1 it is 12
// bytes including num_buffers.
const virtioNetHdrLen = 12

const (
	descFlagWrite = 2

	queueRx = 0
	queueTx = 1
)

var ErrVirtioInit = fmt.Errorf("virtio init failed")

// virtqueue tracks one split ring laid out in the DMA region.
type virtqueue struct {
	region   *dma.Region
	descOff  int
	availOff int
	usedOff  int
	size     uint16
	availIdx uint16
	lastUsed uint16
}

func (q *virtqueue) writeDesc(i uint16, addr uint64, length uint32, flags uint16) {
	d := q.region.Bytes(q.descOff+int(i)*16, 16)
	binary.LittleEndian.PutUint64(d[0:], addr)
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], 0)
}

// pushAvail publishes a descriptor: the ring slot write precedes the
// index store, and the caller fences before notifying.
func (q *virtqueue) pushAvail(desc uint16) {
	ring := q.region.Bytes(q.availOff, 4+int(q.size)*2)
	binary.LittleEndian.PutUint16(ring[4+int(q.availIdx%q.size)*2:], desc)
	q.availIdx++
	fence() // ring slot visible before the index
	binary.LittleEndian.PutUint16(ring[2:], q.availIdx)
}

// popUsed consumes one used element, if any.
func (q *virtqueue) popUsed() (id uint32, length uint32, ok bool) {
	used := q.region.Bytes(q.usedOff, 4+int(q.size)*8)
	idx := binary.LittleEndian.Uint16(used[2:])
	if idx == q.lastUsed {
		return 0, 0, false
	}
	fence() // index read precedes element read
	elem := used[4+int(q.lastUsed%q.size)*8:]
	id = binary.LittleEndian.Uint32(elem[0:])
	length = binary.LittleEndian.Uint32(elem[4:])
	q.lastUsed++
	return id, length, true
}

func (q *virtqueue) usedPending() bool {
	used := q.region.Bytes(q.usedOff, 4)
	return binary.LittleEndian.Uint16(used[2:]) != q.lastUsed
}

// VirtioNet drives a modern virtio-net device.
type VirtioNet struct {
	mmio   MMIO
	region *dma.Region
	log    types.Logger

	mac      [6]byte
	features uint64

	rx virtqueue
	tx virtqueue

	rxPool *dma.Pool
	txPool *dma.Pool

	// rxRecycled holds reclaimed RX buffers until the next refill.
	rxRecycled []uint16
}

// NewVirtioNet performs the full status dance: reset, ACKNOWLEDGE,
// DRIVER, feature negotiation, FEATURES_OK persistence check, queue
// setup, RX prefill, DRIVER_OK.
func NewVirtioNet(mmio MMIO, region *dma.Region, log types.Logger) (*VirtioNet, error) {
	if mmio.Read32(vregMagic) != virtioMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrVirtioInit)
	}
	if mmio.Read32(vregVersion) != 2 {
		return nil, fmt.Errorf("%w: legacy interface not supported", ErrVirtioInit)
	}
	if mmio.Read32(vregDeviceID) != virtioNetDeviceID {
		return nil, fmt.Errorf("%w: not a network device", ErrVirtioInit)
	}

	d := &VirtioNet{mmio: mmio, region: region, log: log}

	mmio.Write32(vregStatus, 0) // reset
	mmio.Write32(vregStatus, statusAcknowledge)
	mmio.Write32(vregStatus, statusAcknowledge|statusDriver)

	mmio.Write32(vregDevFeatSel, 0)
	devFeatures := uint64(mmio.Read32(vregDevFeatures))
	mmio.Write32(vregDevFeatSel, 1)
	devFeatures |= uint64(mmio.Read32(vregDevFeatures)) << 32

	if devFeatures&featVersion1 == 0 {
		mmio.Write32(vregStatus, statusFailed)
		return nil, fmt.Errorf("%w: device lacks VIRTIO_F_VERSION_1", ErrVirtioInit)
	}
	want := uint64(featVersion1)
	want |= devFeatures & (featNetMac | featNetStatus)
	d.features = want &^ forbiddenFeatures

	mmio.Write32(vregDrvFeatSel, 0)
	mmio.Write32(vregDrvFeatures, uint32(d.features))
	mmio.Write32(vregDrvFeatSel, 1)
	mmio.Write32(vregDrvFeatures, uint32(d.features>>32))

	status := uint32(statusAcknowledge | statusDriver | statusFeaturesOK)
	mmio.Write32(vregStatus, status)
	if mmio.Read32(vregStatus)&statusFeaturesOK == 0 {
		mmio.Write32(vregStatus, statusFailed)
		return nil, fmt.Errorf("%w: FEATURES_OK did not persist", ErrVirtioInit)
	}

	d.rx = virtqueue{region: region, descOff: dma.RxDescOffset,
		availOff: dma.RxAvailOffset, usedOff: dma.RxUsedOffset, size: dma.QueueSize}
	d.tx = virtqueue{region: region, descOff: dma.TxDescOffset,
		availOff: dma.TxAvailOffset, usedOff: dma.TxUsedOffset, size: dma.QueueSize}
	if err := d.setupQueue(queueRx, &d.rx); err != nil {
		return nil, err
	}
	if err := d.setupQueue(queueTx, &d.tx); err != nil {
		return nil, err
	}

	d.rxPool = dma.NewPool(region, dma.RxBufsOffset, dma.QueueSize)
	d.txPool = dma.NewPool(region, dma.TxBufsOffset, dma.QueueSize)

	if d.features&featNetMac != 0 {
		for i := range d.mac {
			d.mac[i] = mmio.Read8(vregConfig + uint32(i))
		}
	}

	d.prefillRx()
	mmio.Write32(vregStatus, status|statusDriverOK)
	return d, nil
}

func (d *VirtioNet) setupQueue(index uint32, q *virtqueue) error {
	d.mmio.Write32(vregQueueSel, index)
	if max := d.mmio.Read32(vregQueueNumMax); max < dma.QueueSize {
		return fmt.Errorf("%w: queue %d supports only %d descriptors", ErrVirtioInit, index, max)
	}
	d.mmio.Write32(vregQueueNum, dma.QueueSize)

	desc := d.region.Bus(q.descOff)
	avail := d.region.Bus(q.availOff)
	used := d.region.Bus(q.usedOff)
	d.mmio.Write32(vregQueueDescLo, uint32(desc))
	d.mmio.Write32(vregQueueDescHi, uint32(desc>>32))
	d.mmio.Write32(vregQueueAvailLo, uint32(avail))
	d.mmio.Write32(vregQueueAvailHi, uint32(avail>>32))
	d.mmio.Write32(vregQueueUsedLo, uint32(used))
	d.mmio.Write32(vregQueueUsedHi, uint32(used>>32))
	d.mmio.Write32(vregQueueReady, 1)
	return nil
}

// prefillRx submits every RX buffer to the device.
func (d *VirtioNet) prefillRx() {
	for i := 0; i < dma.QueueSize; i++ {
		buf, err := d.rxPool.Alloc()
		if err != nil {
			break
		}
		buf.MarkDeviceOwned()
		d.rx.writeDesc(buf.Index(), buf.BusAddr(), dma.BufferSize, descFlagWrite)
		d.rx.pushAvail(buf.Index())
	}
	fence() // all ring writes visible before the notify
	d.mmio.Write32(vregQueueNotify, queueRx)
}

func (d *VirtioNet) MACAddress() [6]byte {
	return d.mac
}

func (d *VirtioNet) LinkUp() bool {
	if d.features&featNetStatus == 0 {
		return true
	}
	return d.mmio.Read16(vregConfig+6)&1 != 0
}

func (d *VirtioNet) CanReceive() bool {
	return d.rx.usedPending()
}

func (d *VirtioNet) CanTransmit() bool {
	return d.txPool.Available() > 0 || d.tx.usedPending()
}

// Receive copies the next pending frame into buf, stripping the
// virtio-net header. The buffer is recycled on the next refill.
func (d *VirtioNet) Receive(buf []byte) (int, error) {
	id, length, ok := d.rx.popUsed()
	if !ok {
		return 0, nil
	}
	if length < virtioNetHdrLen {
		return 0, types.ErrDeviceError
	}
	frameLen := int(length) - virtioNetHdrLen
	if frameLen > len(buf) {
		return 0, &types.BufferTooSmallError{Needed: frameLen}
	}
	b := d.rxPool.Get(uint16(id))
	b.MarkDriverOwned()
	copy(buf, b.Bytes()[virtioNetHdrLen:int(length)])
	d.rxRecycled = append(d.rxRecycled, uint16(id))
	return frameLen, nil
}

// RefillRxQueue resubmits every recycled buffer.
func (d *VirtioNet) RefillRxQueue() {
	if len(d.rxRecycled) == 0 {
		return
	}
	for _, idx := range d.rxRecycled {
		b := d.rxPool.Get(idx)
		b.MarkDeviceOwned()
		d.rx.writeDesc(idx, b.BusAddr(), dma.BufferSize, descFlagWrite)
		d.rx.pushAvail(idx)
	}
	d.rxRecycled = d.rxRecycled[:0]
	fence()
	d.mmio.Write32(vregQueueNotify, queueRx)
}

// Transmit queues one frame, fire and forget.
func (d *VirtioNet) Transmit(frame []byte) error {
	if len(frame) > dma.BufferSize-virtioNetHdrLen {
		return types.ErrFrameTooLarge
	}
	if d.txPool.Available() == 0 {
		d.CollectTxCompletions()
	}
	buf, err := d.txPool.Alloc()
	if err != nil {
		return types.ErrQueueFull
	}
	data := buf.Bytes()
	for i := 0; i < virtioNetHdrLen; i++ {
		data[i] = 0
	}
	copy(data[virtioNetHdrLen:], frame)

	buf.MarkDeviceOwned()
	d.tx.writeDesc(buf.Index(), buf.BusAddr(), uint32(virtioNetHdrLen+len(frame)), 0)
	d.tx.pushAvail(buf.Index())
	fence()
	d.mmio.Write32(vregQueueNotify, queueTx)
	return nil
}

// CollectTxCompletions reclaims every completed TX descriptor.
func (d *VirtioNet) CollectTxCompletions() {
	for {
		id, _, ok := d.tx.popUsed()
		if !ok {
			return
		}
		b := d.txPool.Get(uint16(id))
		b.MarkDriverOwned()
		d.txPool.Free(uint16(id))
	}
}
