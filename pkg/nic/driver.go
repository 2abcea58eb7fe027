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

// Package nic implements the two NIC drivers behind the shared
// NetworkDriver capability set: VirtIO-net and Intel e1000e. Register
// access goes through the MMIO interface so ring logic runs against an
// in-memory device model in tests.
package nic

import (
	"fmt"
	"sync/atomic"

	"github.com/morpheusx/morpheusx/pkg/dma"
	"github.com/morpheusx/morpheusx/pkg/feedback"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// MMIO abstracts a device register window.
type MMIO interface {
	Read8(offset uint32) uint8
	Write8(offset uint32, value uint8)
	Read16(offset uint32) uint16
	Write16(offset uint32, value uint16)
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

var ErrNoSupportedNic = fmt.Errorf("no supported NIC found")

// fenceVar backs the explicit memory fences: an atomic RMW is a full
// barrier on x86_64, giving the release-before-notify and
// acquire-after-used ordering the ring protocols need.
var fenceVar uint32

func fence() {
	atomic.AddUint32(&fenceVar, 0)
}

// DriverKind tags the unified driver variant.
type DriverKind int

const (
	KindVirtio DriverKind = iota
	KindIntel
)

// UnifiedDriver is the tagged variant over the two implementations. The
// variant is matched once per call instead of using dynamic dispatch in
// the poll loop.
type UnifiedDriver struct {
	kind   DriverKind
	virtio *VirtioNet
	intel  *E1000e
}

func (u *UnifiedDriver) Kind() DriverKind {
	return u.kind
}

func (u *UnifiedDriver) MACAddress() [6]byte {
	if u.kind == KindIntel {
		return u.intel.MACAddress()
	}
	return u.virtio.MACAddress()
}

func (u *UnifiedDriver) CanTransmit() bool {
	if u.kind == KindIntel {
		return u.intel.CanTransmit()
	}
	return u.virtio.CanTransmit()
}

func (u *UnifiedDriver) CanReceive() bool {
	if u.kind == KindIntel {
		return u.intel.CanReceive()
	}
	return u.virtio.CanReceive()
}

func (u *UnifiedDriver) Transmit(frame []byte) error {
	if u.kind == KindIntel {
		return u.intel.Transmit(frame)
	}
	return u.virtio.Transmit(frame)
}

func (u *UnifiedDriver) Receive(buf []byte) (int, error) {
	if u.kind == KindIntel {
		return u.intel.Receive(buf)
	}
	return u.virtio.Receive(buf)
}

func (u *UnifiedDriver) RefillRxQueue() {
	if u.kind == KindIntel {
		u.intel.RefillRxQueue()
	} else {
		u.virtio.RefillRxQueue()
	}
}

func (u *UnifiedDriver) CollectTxCompletions() {
	if u.kind == KindIntel {
		u.intel.CollectTxCompletions()
	} else {
		u.virtio.CollectTxCompletions()
	}
}

func (u *UnifiedDriver) LinkUp() bool {
	if u.kind == KindIntel {
		return u.intel.LinkUp()
	}
	return u.virtio.LinkUp()
}

// LinkWaitImmediate reports whether the link-wait download stage can
// skip polling: VirtIO links are up as soon as the device is driven.
func (u *UnifiedDriver) LinkWaitImmediate() bool {
	return u.kind == KindVirtio
}

var _ types.NetworkDriver = (*UnifiedDriver)(nil)

// Probe scans the PCI bus and attaches a driver, preferring real Intel
// hardware over the paravirtual device when both are present.
func Probe(cfg ConfigAccess, attach func(PciDevice) MMIO, region *dma.Region,
	ring *feedback.Ring, log types.Logger) (*UnifiedDriver, error) {
	devices := Scan(cfg)
	ring.Logf(feedback.StagePci, false, "PCI scan found %d devices", len(devices))

	var virtioDev, intelDev *PciDevice
	for i := range devices {
		d := &devices[i]
		switch {
		case d.Vendor == IntelVendorID && isE1000eDevice(d.Device):
			intelDev = d
		case d.Vendor == VirtioVendorID && isVirtioNetDevice(d.Device):
			virtioDev = d
		}
	}

	if intelDev != nil {
		EnableBusMaster(cfg, *intelDev)
		drv, err := NewE1000e(attach(*intelDev), region, log)
		if err != nil {
			ring.Logf(feedback.StagePci, true, "e1000e init failed: %v", err)
			return nil, err
		}
		log.Infof("using Intel e1000e at %02x:%02x.%d", intelDev.Bus, intelDev.Slot, intelDev.Function)
		return &UnifiedDriver{kind: KindIntel, intel: drv}, nil
	}
	if virtioDev != nil {
		EnableBusMaster(cfg, *virtioDev)
		drv, err := NewVirtioNet(attach(*virtioDev), region, log)
		if err != nil {
			ring.Logf(feedback.StageVirtio, true, "virtio init failed: %v", err)
			return nil, err
		}
		log.Infof("using VirtIO-net at %02x:%02x.%d", virtioDev.Bus, virtioDev.Slot, virtioDev.Function)
		return &UnifiedDriver{kind: KindVirtio, virtio: drv}, nil
	}
	ring.Log(feedback.StagePci, true, "no supported NIC on the bus")
	return nil, ErrNoSupportedNic
}
