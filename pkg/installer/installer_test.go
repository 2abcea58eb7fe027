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

package installer_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/fat32"
	"github.com/morpheusx/morpheusx/pkg/gpt"
	"github.com/morpheusx/morpheusx/pkg/installer"
	"github.com/morpheusx/morpheusx/pkg/mocks"
	"github.com/morpheusx/morpheusx/pkg/pe"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestInstallerSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Installer test suite")
}

const installerDiskSectors = 300 * 1024 * 2 // 300 MiB

// loadedFixture builds the in-memory form of the fixture image as the
// firmware would have left it at loadAddr.
func loadedFixture(loadAddr uint64) (installer.LoadedImage, []byte) {
	fixture := mocks.BuildPeFixture()
	mem, err := pe.FileToMemory(fixture.File)
	Expect(err).To(BeNil())
	Expect(pe.Relocate(mem, int64(loadAddr)-int64(fixture.ImageBase))).To(Succeed())
	img, err := pe.Parse(mem)
	Expect(err).To(BeNil())
	img.SetImageBase(loadAddr)
	return installer.LoadedImage{Base: loadAddr, Data: mem}, fixture.File
}

var _ = Describe("Installer", Label("installer"), func() {
	var dev *block.MemDevice
	var log types.Logger
	BeforeEach(func() {
		dev = block.NewMemDevice(installerDiskSectors)
		log = types.NewNullLogger()
	})

	It("captures a bit-identical image from the loaded copy", func() {
		loaded, original := loadedFixture(0x3E712000)
		capture, err := installer.CaptureBootImage(loaded)
		Expect(err).To(BeNil())
		Expect(capture).To(Equal(original))
	})

	It("creates a GPT and ESP on a blank disk", func() {
		esp, err := installer.EnsureESP(dev, 128, log)
		Expect(err).To(BeNil())
		Expect(esp.RootCluster).To(Equal(uint32(2)))

		table, err := gpt.Load(dev, log)
		Expect(err).To(BeNil())
		parts := table.List()
		Expect(parts).To(HaveLen(1))
		Expect(parts[0].TypeGUID).To(Equal(gpt.TypeEfiSystem))
	})

	It("reuses an existing ESP", func() {
		table, err := gpt.Create(dev, log)
		Expect(err).To(BeNil())
		slot, err := table.AddPartition(gpt.TypeEfiSystem, 2048, 2048+140*1024*2-1, "esp")
		Expect(err).To(BeNil())
		p, _ := table.FindBySlot(slot)
		part := types.NewPartitionDevice(dev, p.StartingLBA, p.Sectors())
		Expect(fat32.Format(part, "ESP")).To(Succeed())

		_, err = installer.EnsureESP(dev, 128, log)
		Expect(err).To(BeNil())
		table, _ = gpt.Load(dev, log)
		Expect(table.List()).To(HaveLen(1)) // no second ESP
	})

	It("self-installs to /EFI/BOOT/BOOTX64.EFI with a debug copy", func() {
		loaded, original := loadedFixture(0x3E712000)
		spec := &types.InstallSpec{EspSizeMiB: 128, WriteDebugCopy: true}
		Expect(installer.SelfInstall(dev, loaded, spec, log)).To(Succeed())

		esp, err := installer.EnsureESP(dev, 128, log)
		Expect(err).To(BeNil())
		written, err := esp.ReadFile(constants.BootEfiPath)
		Expect(err).To(BeNil())
		Expect(written).To(Equal(original))

		debug, err := esp.ReadFile(constants.BootEfiDebugPath)
		Expect(err).To(BeNil())
		Expect(debug).To(Equal(original))
	})

	It("replaces a previously installed bootloader", func() {
		loaded, original := loadedFixture(0x3E712000)
		spec := &types.InstallSpec{EspSizeMiB: 128}
		Expect(installer.SelfInstall(dev, loaded, spec, log)).To(Succeed())
		// Second install at a different load address must converge to
		// the same file bytes.
		loaded2, _ := loadedFixture(0x7F000000)
		Expect(installer.SelfInstall(dev, loaded2, spec, log)).To(Succeed())

		esp, _ := installer.EnsureESP(dev, 128, log)
		written, err := esp.ReadFile(constants.BootEfiPath)
		Expect(err).To(BeNil())
		Expect(written).To(Equal(original))
	})

	It("rejects writing a non-PE payload", func() {
		esp, err := installer.EnsureESP(dev, 128, log)
		Expect(err).To(BeNil())
		err = installer.WriteBootloader(esp, []byte("not a PE image"), false, log)
		Expect(err).To(MatchError(pe.ErrInvalidFormat))
	})
})
