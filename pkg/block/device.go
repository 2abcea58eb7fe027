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

// Package block provides the BlockDevice implementations the disk engines
// run on: plain files (loop images and real block devices) and in-memory
// disks for tests.
package block

import (
	"fmt"
	"os"

	"github.com/twpayne/go-vfs"

	"github.com/morpheusx/morpheusx/pkg/types"
)

// ErrOutOfRange is returned when an access reaches past the device end.
var ErrOutOfRange = fmt.Errorf("block access out of range")

// ErrUnalignedBuffer is returned for buffers not sector-multiple sized.
var ErrUnalignedBuffer = fmt.Errorf("buffer not a multiple of the block size")

func checkRange(dev types.BlockDevice, lba uint64, buf []byte) error {
	if len(buf)%int(dev.BlockSize()) != 0 {
		return ErrUnalignedBuffer
	}
	blocks := uint64(len(buf)) / uint64(dev.BlockSize())
	if lba+blocks > dev.NumBlocks() {
		return ErrOutOfRange
	}
	return nil
}

// MemDevice is an in-memory disk.
type MemDevice struct {
	data []byte
}

func NewMemDevice(numBlocks uint64) *MemDevice {
	return &MemDevice{data: make([]byte, numBlocks*types.SectorSize)}
}

// NewMemDeviceFrom wraps existing bytes, padding to a sector boundary.
func NewMemDeviceFrom(data []byte) *MemDevice {
	if pad := len(data) % types.SectorSize; pad != 0 {
		data = append(data, make([]byte, types.SectorSize-pad)...)
	}
	return &MemDevice{data: data}
}

func (d *MemDevice) BlockSize() uint32 {
	return types.SectorSize
}

func (d *MemDevice) NumBlocks() uint64 {
	return uint64(len(d.data)) / types.SectorSize
}

func (d *MemDevice) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkRange(d, lba, buf); err != nil {
		return err
	}
	copy(buf, d.data[lba*types.SectorSize:])
	return nil
}

func (d *MemDevice) WriteBlocks(lba uint64, buf []byte) error {
	if err := checkRange(d, lba, buf); err != nil {
		return err
	}
	copy(d.data[lba*types.SectorSize:], buf)
	return nil
}

func (d *MemDevice) Flush() error {
	return nil
}

// Bytes exposes the raw backing array for assertions in tests.
func (d *MemDevice) Bytes() []byte {
	return d.data
}

// FileDevice is a BlockDevice over a regular file or a block special file.
type FileDevice struct {
	file      *os.File
	numBlocks uint64
}

// OpenFileDevice opens path read-write through the given filesystem.
func OpenFileDevice(fs vfs.FS, path string) (*FileDevice, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	size, err := f.Seek(0, 2)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileDevice{file: f, numBlocks: uint64(size) / types.SectorSize}, nil
}

func (d *FileDevice) BlockSize() uint32 {
	return types.SectorSize
}

func (d *FileDevice) NumBlocks() uint64 {
	return d.numBlocks
}

func (d *FileDevice) ReadBlocks(lba uint64, buf []byte) error {
	if err := checkRange(d, lba, buf); err != nil {
		return err
	}
	_, err := d.file.ReadAt(buf, int64(lba)*types.SectorSize)
	return err
}

func (d *FileDevice) WriteBlocks(lba uint64, buf []byte) error {
	if err := checkRange(d, lba, buf); err != nil {
		return err
	}
	_, err := d.file.WriteAt(buf, int64(lba)*types.SectorSize)
	return err
}

func (d *FileDevice) Flush() error {
	return d.file.Sync()
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}
