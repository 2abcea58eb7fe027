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

// Package installer holds the firmware-phase plumbing: physical disk
// discovery, capture of the running image and writing the bootloader
// onto the EFI System Partition.
package installer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"

	"github.com/morpheusx/morpheusx/pkg/types"
)

// Disk describes one physical target candidate.
type Disk struct {
	Path      string
	Name      string
	SizeBytes uint64
	Removable bool
}

// ScanDisks enumerates physical, non-virtual disks. Partitions are
// never returned; the GPT engine consumes whole disks.
func ScanDisks(log types.Logger) ([]Disk, error) {
	blockDevices, err := block.New(ghw.WithDisableTools(), ghw.WithDisableWarnings())
	if err != nil {
		return nil, err
	}
	var out []Disk
	for _, d := range blockDevices.Disks {
		if strings.HasPrefix(d.Name, "loop") || strings.HasPrefix(d.Name, "ram") ||
			strings.HasPrefix(d.Name, "zram") {
			continue
		}
		if d.SizeBytes == 0 {
			continue
		}
		out = append(out, Disk{
			Path:      filepath.Join("/dev", d.Name),
			Name:      d.Name,
			SizeBytes: d.SizeBytes,
			Removable: d.IsRemovable,
		})
	}
	log.Debugf("disk scan found %d candidates", len(out))
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable disks found")
	}
	return out, nil
}
