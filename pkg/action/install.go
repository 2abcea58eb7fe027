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

	"github.com/morpheusx/morpheusx/pkg/constants"
	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/installer"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// InstallAction writes the bootloader onto the target's ESP, either
// from a captured in-memory image (firmware phase) or from an on-disk
// image file.
type InstallAction struct {
	cfg    *types.Config
	spec   *types.InstallSpec
	opener DeviceOpener
	loaded *installer.LoadedImage
}

type InstallOption func(*InstallAction)

// WithInstallOpener overrides how the target disk is opened.
func WithInstallOpener(opener DeviceOpener) InstallOption {
	return func(a *InstallAction) {
		a.opener = opener
	}
}

// WithLoadedImage provides the firmware-captured running image.
func WithLoadedImage(img installer.LoadedImage) InstallOption {
	return func(a *InstallAction) {
		a.loaded = &img
	}
}

func NewInstallAction(cfg *types.Config, spec *types.InstallSpec, opts ...InstallOption) *InstallAction {
	a := &InstallAction{cfg: cfg, spec: spec}
	for _, opt := range opts {
		opt(a)
	}
	if a.opener == nil {
		a.opener = defaultOpener(cfg)
	}
	return a
}

func (a *InstallAction) Run() error {
	if err := requireTarget(a.spec.Target); err != nil {
		return morpherr.NewFromError(err, morpherr.InstallBootloader)
	}
	dev, closer, err := a.opener(a.spec.Target)
	if err != nil {
		return morpherr.NewFromError(err, morpherr.ScanDisks)
	}
	defer func() {
		_ = closer()
	}()

	var image []byte
	switch {
	case a.loaded != nil:
		image, err = installer.CaptureBootImage(*a.loaded)
		if err != nil {
			return morpherr.NewFromError(err, morpherr.BootImage)
		}
	case a.spec.ImagePath != "":
		image, err = a.cfg.Fs.ReadFile(a.spec.ImagePath)
		if err != nil {
			return morpherr.NewFromError(err, morpherr.BootImage)
		}
	default:
		return morpherr.New("no boot image: neither a capture nor an image path", morpherr.BootImage)
	}

	espSize := a.spec.EspSizeMiB
	if espSize == 0 {
		espSize = constants.EspSizeMiB
	}
	esp, err := installer.EnsureESP(dev, espSize, a.cfg.Logger)
	if err != nil {
		return morpherr.NewFromError(err, morpherr.PartitionTable)
	}
	if err := installer.WriteBootloader(esp, image, a.spec.WriteDebugCopy, a.cfg.Logger); err != nil {
		return morpherr.NewFromError(err, morpherr.InstallBootloader)
	}
	a.cfg.Logger.Infof("bootloader installed to %s on %s", constants.BootEfiPath, a.spec.Target)
	return nil
}

// Describe returns a short human summary for confirmation prompts.
func (a *InstallAction) Describe() string {
	return fmt.Sprintf("install bootloader to %s (%s)", a.spec.Target, constants.BootEfiPath)
}
