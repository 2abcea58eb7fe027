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

package action

import (
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/bzimage"
	"github.com/morpheusx/morpheusx/pkg/chunkstore"
	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/iso9660"
	"github.com/morpheusx/morpheusx/pkg/linuxboot"
	"github.com/morpheusx/morpheusx/pkg/memreg"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// kernelPaths are the locations live distros place their kernel and
// initrd, tried in order.
var kernelPaths = [][2]string{
	{"/casper/vmlinuz", "/casper/initrd"},
	{"/casper/vmlinuz", "/casper/initrd.img"},
	{"/live/vmlinuz", "/live/initrd.img"},
	{"/boot/vmlinuz", "/boot/initrd.img"},
	{"/isolinux/vmlinuz", "/isolinux/initrd.img"},
}

// BootAction assembles everything needed to launch a stored ISO: the
// virtual device, the kernel and initrd bytes, and the handoff plan.
type BootAction struct {
	cfg    *types.Config
	spec   *types.BootSpec
	opener DeviceOpener
}

type BootOption func(*BootAction)

func WithBootOpener(opener DeviceOpener) BootOption {
	return func(a *BootAction) {
		a.opener = opener
	}
}

func NewBootAction(cfg *types.Config, spec *types.BootSpec, opts ...BootOption) *BootAction {
	a := &BootAction{cfg: cfg, spec: spec}
	for _, opt := range opts {
		opt(a)
	}
	if a.opener == nil {
		a.opener = defaultOpener(cfg)
	}
	return a
}

// LoadKernel mounts the stored ISO and extracts the kernel and initrd.
func (a *BootAction) LoadKernel() (*bzimage.Image, []byte, error) {
	if err := requireTarget(a.spec.Target); err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	dev, closer, err := a.opener(a.spec.Target)
	if err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.ScanDisks)
	}
	defer func() {
		_ = closer()
	}()

	manager, err := chunkstore.NewManager(dev, a.cfg.Logger)
	if err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	manifest, err := manager.Get(a.spec.IsoIndex)
	if err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	if !manifest.Complete {
		return nil, nil, morpherr.New(
			fmt.Sprintf("ISO %s is incomplete (%d%%)", manifest.IsoName, manifest.Progress()),
			morpherr.ChunkedStorage)
	}
	ctx, err := manager.ReadContext(a.spec.IsoIndex)
	if err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	vdev := chunkstore.NewVirtualDevice(dev, ctx)

	volume, err := iso9660.Mount(vdev, 0)
	if err != nil {
		return nil, nil, morpherr.NewFromError(err, morpherr.IsoVolume)
	}
	a.cfg.Logger.Infof("mounted ISO volume %q", volume.VolumeID)

	for _, paths := range kernelPaths {
		kernelEntry, err := iso9660.FindFile(vdev, volume, paths[0])
		if err != nil {
			continue
		}
		kernelBytes, err := iso9660.ReadFileVec(vdev, volume, &kernelEntry)
		if err != nil {
			return nil, nil, morpherr.NewFromError(err, morpherr.IsoVolume)
		}
		img, err := bzimage.Parse(kernelBytes)
		if err != nil {
			return nil, nil, morpherr.NewFromError(err, morpherr.KernelImage)
		}
		var initrd []byte
		if initrdEntry, err := iso9660.FindFile(vdev, volume, paths[1]); err == nil {
			initrd, err = iso9660.ReadFileVec(vdev, volume, &initrdEntry)
			if err != nil {
				return nil, nil, morpherr.NewFromError(err, morpherr.IsoVolume)
			}
		}
		a.cfg.Logger.Infof("kernel %s (%d bytes), initrd %d bytes",
			paths[0], len(kernelBytes), len(initrd))
		return img, initrd, nil
	}
	return nil, nil, morpherr.New("no kernel found on the ISO", morpherr.IsoVolume)
}

// Plan seeds a registry from the firmware map and resolves the boot
// layout.
func (a *BootAction) Plan(fw linuxboot.Firmware) (*linuxboot.Plan, error) {
	img, initrd, err := a.LoadKernel()
	if err != nil {
		return nil, err
	}
	descriptors, _, err := fw.MemoryMap()
	if err != nil {
		return nil, morpherr.NewFromError(err, morpherr.BootHandoff)
	}
	registry := memreg.NewRegistry(a.cfg.Logger)
	if err := registry.Seed(descriptors); err != nil {
		return nil, morpherr.NewFromError(err, morpherr.PlatformInit)
	}
	plan, err := linuxboot.Prepare(registry, img, a.spec.Cmdline, initrd, a.cfg.Logger)
	if err != nil {
		return nil, morpherr.NewFromError(err, morpherr.BootHandoff)
	}
	return plan, nil
}

// Run executes the full handoff. It only returns on failure.
func (a *BootAction) Run(fw linuxboot.Firmware, jump linuxboot.Jumper) error {
	plan, err := a.Plan(fw)
	if err != nil {
		return err
	}
	if err := linuxboot.Execute(plan, fw, jump); err != nil {
		return morpherr.NewFromError(err, morpherr.BootHandoff)
	}
	return nil
}
