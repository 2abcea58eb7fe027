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

package types

import (
	"github.com/twpayne/go-vfs"
)

// Config is the shared runtime configuration passed down to every action.
type Config struct {
	Logger Logger
	Fs     vfs.FS
	Client HTTPClient
	Clock  Clock
}

// InstallSpec drives the self-install action.
type InstallSpec struct {
	// Target is the disk that holds (or will hold) the EFI System Partition.
	Target string `yaml:"target" mapstructure:"target"`
	// EspSizeMiB is the ESP size used when the target has no ESP yet.
	EspSizeMiB uint `yaml:"esp-size" mapstructure:"esp-size"`
	// ImagePath overrides the captured in-memory image with an on-disk one.
	ImagePath string `yaml:"image-path" mapstructure:"image-path"`
	// WriteDebugCopy also writes a secondary copy next to the boot path.
	WriteDebugCopy bool `yaml:"debug-copy" mapstructure:"debug-copy"`
}

// DownloadSpec drives the ISO download action.
type DownloadSpec struct {
	URL     string `yaml:"url" mapstructure:"url"`
	IsoName string `yaml:"iso-name" mapstructure:"iso-name"`
	// Target is the disk receiving the chunk partitions. Empty means
	// download-only mode, counting bytes without writing.
	Target string `yaml:"target" mapstructure:"target"`
}

// BootSpec drives the ISO boot action.
type BootSpec struct {
	Target   string `yaml:"target" mapstructure:"target"`
	IsoIndex int    `yaml:"iso-index" mapstructure:"iso-index"`
	Cmdline  string `yaml:"cmdline" mapstructure:"cmdline"`
}
