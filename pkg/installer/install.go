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

package installer

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/fat32"
	"github.com/morpheusx/morpheusx/pkg/gpt"
	"github.com/morpheusx/morpheusx/pkg/pe"
	"github.com/morpheusx/morpheusx/pkg/types"
)

var ErrVerifyMismatch = fmt.Errorf("written image does not match the capture")

// LoadedImage is the running bootloader as the firmware placed it in
// memory.
type LoadedImage struct {
	Base uint64
	Data []byte
}

// CaptureBootImage rebuilds the relocatable on-disk image from the
// loaded copy.
func CaptureBootImage(img LoadedImage) ([]byte, error) {
	return pe.CaptureFileImage(img.Data, img.Base)
}

// EnsureESP returns the disk's EFI System Partition, creating and
// formatting one of espSizeMiB when the GPT has none. A disk without a
// GPT gets a fresh one.
func EnsureESP(dev types.BlockDevice, espSizeMiB uint, log types.Logger) (*fat32.Context, error) {
	table, err := gpt.Load(dev, log)
	if err != nil {
		log.Warnf("no valid GPT on target, creating one: %v", err)
		table, err = gpt.Create(dev, log)
		if err != nil {
			return nil, err
		}
	}

	for _, p := range table.List() {
		if p.TypeGUID == gpt.TypeEfiSystem {
			return fat32.Mount(types.NewPartitionDevice(dev, p.StartingLBA, p.Sectors()))
		}
	}

	sectors := uint64(espSizeMiB) * 1024 * 1024 / constants.SectorSize
	start, _, err := table.FindFreeSpace(sectors)
	if err != nil {
		return nil, err
	}
	slot, err := table.AddPartition(gpt.TypeEfiSystem, start, start+sectors-1, constants.EspLabel)
	if err != nil {
		return nil, err
	}
	p, _ := table.FindBySlot(slot)
	part := types.NewPartitionDevice(dev, p.StartingLBA, p.Sectors())
	if err := fat32.Format(part, constants.EspLabel); err != nil {
		return nil, err
	}
	return fat32.Mount(part)
}

// WriteBootloader places the image at the firmware fallback path and,
// when asked, a debug copy next to it. The written file is read back
// and verified at its boundaries before the call reports success.
func WriteBootloader(esp *fat32.Context, image []byte, debugCopy bool, log types.Logger) error {
	if _, err := pe.Parse(image); err != nil {
		return err
	}
	if _, err := esp.MkdirAll("/EFI/BOOT"); err != nil {
		return err
	}

	paths := []string{constants.BootEfiPath}
	if debugCopy {
		paths = append(paths, constants.BootEfiDebugPath)
	}
	var errs *multierror.Error
	for _, path := range paths {
		if _, err := esp.Lookup(path); err == nil {
			if err := esp.RemoveFile(path); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		if err := esp.CreateFile(path, image); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		log.Infof("wrote %s (%d bytes)", path, len(image))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	return verifyWrite(esp, constants.BootEfiPath, image)
}

// verifyWrite compares the first and last sector of the written file
// against the capture.
func verifyWrite(esp *fat32.Context, path string, image []byte) error {
	written, err := esp.ReadFile(path)
	if err != nil {
		return err
	}
	if len(written) != len(image) {
		return ErrVerifyMismatch
	}
	head := 512
	if head > len(image) {
		head = len(image)
	}
	if !bytes.Equal(written[:head], image[:head]) ||
		!bytes.Equal(written[len(written)-head:], image[len(image)-head:]) {
		return ErrVerifyMismatch
	}
	return nil
}

// SelfInstall is the full pipeline: capture, ESP setup, write, verify.
func SelfInstall(dev types.BlockDevice, img LoadedImage, spec *types.InstallSpec,
	log types.Logger) error {
	capture, err := CaptureBootImage(img)
	if err != nil {
		return err
	}
	espSize := spec.EspSizeMiB
	if espSize == 0 {
		espSize = constants.EspSizeMiB
	}
	esp, err := EnsureESP(dev, espSize, log)
	if err != nil {
		return err
	}
	return WriteBootloader(esp, capture, spec.WriteDebugCopy, log)
}
