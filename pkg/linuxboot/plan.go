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

package linuxboot

import (
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/bzimage"
	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/memreg"
	"github.com/morpheusx/morpheusx/pkg/types"
)

var (
	ErrNotRelocatable = fmt.Errorf("kernel not relocatable and preferred address unavailable")
	ErrHandoffFailed  = fmt.Errorf("ExitBootServices failed twice")
)

// Firmware is the surface the handoff needs from boot services.
type Firmware interface {
	// MemoryMap returns the current map and its key.
	MemoryMap() ([]memreg.Descriptor, uint64, error)
	// ExitBootServices terminates boot services for the given map key.
	ExitBootServices(mapKey uint64) error
}

// Jumper transfers control to the kernel: entry point in RIP, zero page
// in RSI, interrupts disabled. It never returns in production.
type Jumper func(entryPoint, zeroPage uint64)

// Plan is the fully resolved handoff: every address allocated, the zero
// page built, ready for the ExitBootServices jump.
type Plan struct {
	KernelAddr   uint64
	KernelSize   uint64
	EntryPoint   uint64
	ZeroPageAddr uint64
	CmdlineAddr  uint64
	InitrdAddr   uint64
	InitrdSize   uint64
	Params       *BootParams
}

func pages(bytes uint64) uint64 {
	return (bytes + constants.PageSize - 1) / constants.PageSize
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// PlaceKernel allocates the kernel destination: the preferred address
// aligned up to the kernel alignment first, then, for relocatable
// kernels, anywhere under the 4 GiB line, or anywhere at all when
// xloadflags allow loading above 4 GiB.
func PlaceKernel(reg *memreg.Registry, img *bzimage.Image) (uint64, error) {
	n := pages(uint64(img.InitSize))
	preferred := alignUp(img.PrefAddress, uint64(img.KernelAlignment))
	if addr, err := reg.AllocatePages(memreg.AtAddress(preferred), memreg.LoaderCode, n); err == nil {
		return addr, nil
	}
	if !img.Relocatable {
		return 0, ErrNotRelocatable
	}
	if img.CanLoadAbove4G() {
		return reg.AllocatePages(memreg.AnyPages(), memreg.LoaderCode, n)
	}
	return reg.AllocatePages(memreg.MaxAddress(constants.LowMemoryMax), memreg.LoaderCode, n)
}

// Prepare resolves the whole boot layout against the registry and
// builds the zero page. Copying payload bytes into place is the
// caller's job once firmware is gone; the plan carries the addresses.
func Prepare(reg *memreg.Registry, img *bzimage.Image, cmdline string, initrd []byte,
	log types.Logger) (*Plan, error) {
	plan := &Plan{Params: NewBootParams()}

	addr, err := PlaceKernel(reg, img)
	if err != nil {
		return nil, err
	}
	plan.KernelAddr = addr
	plan.KernelSize = uint64(img.InitSize)
	plan.EntryPoint = addr + 0x200 // 64-bit entry point, 0x200 past the load base
	log.Debugf("kernel at %#x (%d pages)", addr, pages(uint64(img.InitSize)))

	// Zero page and command line both live in low memory.
	zp, err := reg.AllocatePages(memreg.MaxAddress(constants.LowMemoryMax), memreg.LoaderData, 1)
	if err != nil {
		return nil, err
	}
	plan.ZeroPageAddr = zp

	cmdlinePages := pages(uint64(len(cmdline)) + 1)
	cl, err := reg.AllocatePages(memreg.MaxAddress(constants.LowMemoryMax), memreg.LoaderData, cmdlinePages)
	if err != nil {
		return nil, err
	}
	plan.CmdlineAddr = cl

	if len(initrd) > 0 {
		max := uint64(img.InitrdAddrMax)
		if img.CanLoadAbove4G() {
			max = ^uint64(0)
		}
		ird, err := reg.AllocatePages(memreg.MaxAddress(max), memreg.LoaderData, pages(uint64(len(initrd))))
		if err != nil {
			return nil, err
		}
		plan.InitrdAddr = ird
		plan.InitrdSize = uint64(len(initrd))
	}

	plan.Params.SetSetupHeader(img.SetupHeader())
	plan.Params.SetLoaderType(LoaderTypeUndefined)
	plan.Params.SetTextVideoMode()
	plan.Params.SetCmdline(plan.CmdlineAddr)
	plan.Params.SetInitrd(plan.InitrdAddr, plan.InitrdSize)
	if err := plan.Params.SetE820(reg.E820()); err != nil {
		return nil, err
	}
	return plan, nil
}

// Execute runs the final sequence: fetch the memory map, call
// ExitBootServices, retry exactly once with a refreshed key, then jump.
// A second failure is fatal to the boot attempt.
func Execute(plan *Plan, fw Firmware, jump Jumper) error {
	_, key, err := fw.MemoryMap()
	if err != nil {
		return err
	}
	if err := fw.ExitBootServices(key); err != nil {
		// The firmware may have changed the map between the snapshot
		// and the call; refresh the key and try once more.
		_, key, err = fw.MemoryMap()
		if err != nil {
			return err
		}
		if err := fw.ExitBootServices(key); err != nil {
			return ErrHandoffFailed
		}
	}
	jump(plan.EntryPoint, plan.ZeroPageAddr)
	return nil
}
