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

// Package action wires the engines into the user-facing operations:
// install the bootloader, download an ISO into chunked storage, boot a
// stored ISO, list and remove ISOs.
package action

import (
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/block"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// DeviceOpener opens a target disk. Tests substitute memory devices.
type DeviceOpener func(path string) (types.BlockDevice, func() error, error)

// defaultOpener opens real devices with the single-retry adapter.
func defaultOpener(cfg *types.Config) DeviceOpener {
	return func(path string) (types.BlockDevice, func() error, error) {
		dev, err := block.OpenFileDevice(cfg.Fs, path)
		if err != nil {
			return nil, nil, err
		}
		return block.NewRetryDevice(dev, cfg.Logger), dev.Close, nil
	}
}

func requireTarget(target string) error {
	if target == "" {
		return fmt.Errorf("no target device given")
	}
	return nil
}
