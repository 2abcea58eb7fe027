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

package block

import (
	"github.com/morpheusx/morpheusx/pkg/types"
)

// RetryDevice retries a failed read or write exactly once before
// surfacing the error. Range errors are not retried, a second attempt
// cannot change them.
type RetryDevice struct {
	dev types.BlockDevice
	log types.Logger
}

func NewRetryDevice(dev types.BlockDevice, log types.Logger) *RetryDevice {
	return &RetryDevice{dev: dev, log: log}
}

func (d *RetryDevice) BlockSize() uint32 {
	return d.dev.BlockSize()
}

func (d *RetryDevice) NumBlocks() uint64 {
	return d.dev.NumBlocks()
}

func (d *RetryDevice) ReadBlocks(lba uint64, buf []byte) error {
	err := d.dev.ReadBlocks(lba, buf)
	if err == nil || err == ErrOutOfRange || err == ErrUnalignedBuffer {
		return err
	}
	d.log.Warnf("read of lba %d failed, retrying once: %v", lba, err)
	return d.dev.ReadBlocks(lba, buf)
}

func (d *RetryDevice) WriteBlocks(lba uint64, buf []byte) error {
	err := d.dev.WriteBlocks(lba, buf)
	if err == nil || err == ErrOutOfRange || err == ErrUnalignedBuffer {
		return err
	}
	d.log.Warnf("write of lba %d failed, retrying once: %v", lba, err)
	return d.dev.WriteBlocks(lba, buf)
}

func (d *RetryDevice) Flush() error {
	return d.dev.Flush()
}
