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

// Intel e1000e register offsets.
const (
	regCtrl   = 0x0000
	regStatus = 0x0008
	regIMC    = 0x00D8
	regRctl   = 0x0100
	regTctl   = 0x0400
	regRdbal  = 0x2800
	regRdbah  = 0x2804
	regRdlen  = 0x2808
	regRdh    = 0x2810
	regRdt    = 0x2818
	regTdbal  = 0x3800
	regTdbah  = 0x3804
	regTdlen  = 0x3808
	regTdh    = 0x3810
	regTdt    = 0x3818
	regRal0   = 0x5400
	regRah0   = 0x5404
)

const (
	ctrlSLU = 1 << 6
	ctrlRST = 1 << 26

	statusLU = 1 << 1

	rctlEN        = 1 << 1
	rctlBAM       = 1 << 15
	rctlLBMask    = 3 << 6 // loopback bits, must stay clear
	rctlBsize2048 = 0      // BSIZE 00 = 2048 bytes

	tctlEN  = 1 << 1
	tctlPSP = 1 << 3

	rxStatusDD  = 1 << 0
	rxStatusEOP = 1 << 1

	txCmdEOP  = 1 << 0
	txCmdIFCS = 1 << 1
	txCmdRS   = 1 << 3
	txStatDD  = 1 << 0

	resetSpinCap = 1_000_000
)

var ErrE1000eInit = fmt.Errorf("e1000e init failed")

// E1000e drives Intel 82574/82579/I217/I218 parts with legacy
// descriptors. All firmware state is discarded by a brutal reset and
// every control register is rebuilt from scratch.
type E1000e struct {
	mmio   MMIO
	region *dma.Region
	log    types.Logger

	mac [6]byte

	rxPool *dma.Pool
	txPool *dma.Pool

	nextToClean uint16 // RX
	txTail      uint16
	txInFlight  [dma.QueueSize]bool
}

// NewE1000e resets and fully reinitializes the device.
func NewE1000e(mmio MMIO, region *dma.Region, log types.Logger) (*E1000e, error) {
	d := &E1000e{mmio: mmio, region: region, log: log}

	// Brutal reset: no trust in firmware-programmed state.
	mmio.Write32(regCtrl, mmio.Read32(regCtrl)|ctrlRST)
	cleared := false
	for i := 0; i < resetSpinCap; i++ {
		if mmio.Read32(regCtrl)&ctrlRST == 0 {
			cleared = true
			break
		}
	}
	if !cleared {
		return nil, fmt.Errorf("%w: reset bit stuck", ErrE1000eInit)
	}

	// Mask every interrupt source; the platform polls.
	mmio.Write32(regIMC, 0xFFFFFFFF)

	ral := mmio.Read32(regRal0)
	rah := mmio.Read32(regRah0)
	binary.LittleEndian.PutUint32(d.mac[0:4], ral)
	binary.LittleEndian.PutUint16(d.mac[4:6], uint16(rah))

	d.rxPool = dma.NewPool(region, dma.RxBufsOffset, dma.QueueSize)
	d.txPool = dma.NewPool(region, dma.TxBufsOffset, dma.QueueSize)

	// RX ring: all descriptors armed with device-owned buffers,
	// tail one behind head.
	rdba := region.Bus(dma.RxDescOffset)
	mmio.Write32(regRdbal, uint32(rdba))
	mmio.Write32(regRdbah, uint32(rdba>>32))
	mmio.Write32(regRdlen, dma.QueueSize*16)
	mmio.Write32(regRdh, 0)
	for i := uint16(0); i < dma.QueueSize; i++ {
		buf, err := d.rxPool.Alloc()
		if err != nil {
			return nil, err
		}
		buf.MarkDeviceOwned()
		d.writeRxDesc(i, buf.BusAddr())
	}
	mmio.Write32(regRdt, dma.QueueSize-1)

	// TX ring: every slot keeps its buffer for the driver until the
	// device reports completion, so the pool is drained once here.
	tdba := region.Bus(dma.TxDescOffset)
	mmio.Write32(regTdbal, uint32(tdba))
	mmio.Write32(regTdbah, uint32(tdba>>32))
	mmio.Write32(regTdlen, dma.QueueSize*16)
	mmio.Write32(regTdh, 0)
	mmio.Write32(regTdt, 0)
	for i := 0; i < dma.QueueSize; i++ {
		if _, err := d.txPool.Alloc(); err != nil {
			return nil, err
		}
	}

	// Receive enabled with broadcasts, loopback explicitly off.
	mmio.Write32(regRctl, (rctlEN|rctlBAM|rctlBsize2048)&^uint32(rctlLBMask))
	mmio.Write32(regTctl, tctlEN|tctlPSP)
	// Set link up; the PHY negotiates behind it.
	mmio.Write32(regCtrl, mmio.Read32(regCtrl)|ctrlSLU)
	return d, nil
}

func (d *E1000e) writeRxDesc(i uint16, addr uint64) {
	desc := d.region.Bytes(dma.RxDescOffset+int(i)*16, 16)
	for j := range desc {
		desc[j] = 0
	}
	binary.LittleEndian.PutUint64(desc[0:], addr)
}

func (d *E1000e) rxDescStatus(i uint16) uint8 {
	return d.region.Bytes(dma.RxDescOffset+int(i)*16, 16)[12]
}

func (d *E1000e) rxDescLen(i uint16) uint16 {
	return binary.LittleEndian.Uint16(d.region.Bytes(dma.RxDescOffset+int(i)*16, 16)[8:])
}

func (d *E1000e) MACAddress() [6]byte {
	return d.mac
}

func (d *E1000e) LinkUp() bool {
	return d.mmio.Read32(regStatus)&statusLU != 0
}

func (d *E1000e) CanReceive() bool {
	return d.rxDescStatus(d.nextToClean)&rxStatusDD != 0
}

func (d *E1000e) CanTransmit() bool {
	return !d.txInFlight[d.txTail]
}

// Receive copies the next completed RX descriptor's frame into buf and
// rearms the descriptor.
func (d *E1000e) Receive(buf []byte) (int, error) {
	i := d.nextToClean
	status := d.rxDescStatus(i)
	if status&rxStatusDD == 0 {
		return 0, nil
	}
	// On real silicon the DD observation must be fenced before the
	// buffer read or stale data can surface.
	fence()

	length := int(d.rxDescLen(i))
	if length > len(buf) {
		return 0, &types.BufferTooSmallError{Needed: length}
	}
	b := d.rxPool.Get(i)
	b.MarkDriverOwned()
	copy(buf, b.Bytes()[:length])

	// Rearm: hand the buffer straight back and advance the tail over
	// the consumed slot.
	b.MarkDeviceOwned()
	d.writeRxDesc(i, b.BusAddr())
	fence()
	d.mmio.Write32(regRdt, uint32(i))
	d.nextToClean = (i + 1) % dma.QueueSize
	return length, nil
}

// RefillRxQueue is a no-op for this driver: descriptors are rearmed
// inline on receive.
func (d *E1000e) RefillRxQueue() {}

// Transmit queues one frame on the next TX descriptor.
func (d *E1000e) Transmit(frame []byte) error {
	if len(frame) > dma.BufferSize {
		return types.ErrFrameTooLarge
	}
	if d.txInFlight[d.txTail] {
		d.CollectTxCompletions()
		if d.txInFlight[d.txTail] {
			return types.ErrQueueFull
		}
	}
	i := d.txTail
	b := d.txPool.Get(i)
	copy(b.Bytes(), frame)
	b.MarkDeviceOwned()

	desc := d.region.Bytes(dma.TxDescOffset+int(i)*16, 16)
	for j := range desc {
		desc[j] = 0
	}
	binary.LittleEndian.PutUint64(desc[0:], b.BusAddr())
	binary.LittleEndian.PutUint16(desc[8:], uint16(len(frame)))
	desc[11] = txCmdEOP | txCmdIFCS | txCmdRS

	d.txInFlight[i] = true
	d.txTail = (i + 1) % dma.QueueSize
	fence()
	d.mmio.Write32(regTdt, uint32(d.txTail))
	return nil
}

// CollectTxCompletions reclaims descriptors whose DD bit the device set.
func (d *E1000e) CollectTxCompletions() {
	for i := uint16(0); i < dma.QueueSize; i++ {
		if !d.txInFlight[i] {
			continue
		}
		desc := d.region.Bytes(dma.TxDescOffset+int(i)*16, 16)
		if desc[12]&txStatDD == 0 {
			continue
		}
		fence()
		b := d.txPool.Get(i)
		b.MarkDriverOwned()
		d.txInFlight[i] = false
	}
}
