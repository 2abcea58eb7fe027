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

// Package fat32 implements formatting, mounting and file operations on
// FAT32 volumes over raw block I/O. It writes classic 8.3 directory
// records only; long-filename records are tolerated and skipped on read.
package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/types"
)

const (
	bytesPerSector    = 512
	sectorsPerCluster = 8 // 4 KiB clusters
	reservedSectors   = 32
	numFATs           = 2
	rootCluster       = 2
	fsInfoSector      = 1
	backupBootSector  = 6

	fatEOC     = 0x0FFFFFF8
	fatMask    = 0x0FFFFFFF
	fatMediaF8 = 0x0FFFFFF8

	minPartitionBytes = 65 * 1024 * 1024
	maxPartitionBytes = 2 * 1024 * 1024 * 1024 * 1024
)

var (
	ErrIo                = fmt.Errorf("fat32 I/O error")
	ErrPartitionTooSmall = fmt.Errorf("partition under 65 MiB")
	ErrPartitionTooLarge = fmt.Errorf("partition over 2 TiB")
	ErrInvalidFormat     = fmt.Errorf("not a FAT32 volume")
	ErrNotFound          = fmt.Errorf("not found")
	ErrExists            = fmt.Errorf("already exists")
	ErrNoSpace           = fmt.Errorf("no free clusters")
)

// fatSize32 computes the FAT sector count with the Microsoft fatgen103
// formula for FAT32.
func fatSize32(totalSectors uint32) uint32 {
	tmp1 := totalSectors - reservedSectors
	tmp2 := uint32(256*sectorsPerCluster+numFATs) / 2
	return (tmp1 + tmp2 - 1) / tmp2
}

// Format writes a fresh FAT32 filesystem across the whole device window.
func Format(dev types.BlockDevice, label string) error {
	totalBytes := dev.NumBlocks() * bytesPerSector
	if totalBytes < minPartitionBytes {
		return ErrPartitionTooSmall
	}
	if totalBytes > maxPartitionBytes {
		return ErrPartitionTooLarge
	}
	totalSectors := uint32(dev.NumBlocks())
	fatSize := fatSize32(totalSectors)

	boot := buildBootSector(totalSectors, fatSize, label)
	if err := dev.WriteBlocks(0, boot); err != nil {
		return err
	}
	fsInfo := buildFsInfo((totalSectors - reservedSectors - numFATs*fatSize) / sectorsPerCluster)
	if err := dev.WriteBlocks(fsInfoSector, fsInfo); err != nil {
		return err
	}
	if err := dev.WriteBlocks(backupBootSector, boot); err != nil {
		return err
	}
	if err := dev.WriteBlocks(backupBootSector+1, fsInfo); err != nil {
		return err
	}

	// Zero both FAT copies in batches.
	zero := make([]byte, 64*bytesPerSector)
	for fat := uint32(0); fat < numFATs; fat++ {
		start := uint64(reservedSectors + fat*fatSize)
		remaining := fatSize
		for remaining > 0 {
			n := uint32(64)
			if remaining < n {
				n = remaining
			}
			if err := dev.WriteBlocks(start, zero[:n*bytesPerSector]); err != nil {
				return err
			}
			start += uint64(n)
			remaining -= n
		}
	}

	// Seed the first FAT sector of both copies: media entry, end marker,
	// EOC for the root directory cluster.
	seed := make([]byte, bytesPerSector)
	binary.LittleEndian.PutUint32(seed[0:], fatMediaF8)
	binary.LittleEndian.PutUint32(seed[4:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(seed[8:], fatEOC)
	for fat := uint32(0); fat < numFATs; fat++ {
		if err := dev.WriteBlocks(uint64(reservedSectors+fat*fatSize), seed); err != nil {
			return err
		}
	}

	// Zero the root directory cluster.
	dataStart := uint64(reservedSectors + numFATs*fatSize)
	cluster := make([]byte, sectorsPerCluster*bytesPerSector)
	if err := dev.WriteBlocks(dataStart, cluster); err != nil {
		return err
	}
	return dev.Flush()
}

func buildBootSector(totalSectors, fatSize uint32, label string) []byte {
	b := make([]byte, bytesPerSector)
	// JMP short + NOP
	b[0], b[1], b[2] = 0xEB, 0x58, 0x90
	copy(b[3:], "MORPHEUS")
	binary.LittleEndian.PutUint16(b[0x0B:], bytesPerSector)
	b[0x0D] = sectorsPerCluster
	binary.LittleEndian.PutUint16(b[0x0E:], reservedSectors)
	b[0x10] = numFATs
	b[0x15] = 0xF8                               // media descriptor, hard disk
	binary.LittleEndian.PutUint16(b[0x18:], 63)  // sectors per track
	binary.LittleEndian.PutUint16(b[0x1A:], 255) // heads
	binary.LittleEndian.PutUint32(b[0x20:], totalSectors)
	binary.LittleEndian.PutUint32(b[0x24:], fatSize)
	binary.LittleEndian.PutUint32(b[0x2C:], rootCluster)
	binary.LittleEndian.PutUint16(b[0x30:], fsInfoSector)
	binary.LittleEndian.PutUint16(b[0x32:], backupBootSector)
	b[0x40] = 0x80                                      // drive number
	b[0x42] = 0x29                                      // extended boot signature
	binary.LittleEndian.PutUint32(b[0x43:], 0x4D525048) // volume serial "MRPH"
	vl := []byte("           ")
	copy(vl, label)
	copy(b[0x47:], vl)
	copy(b[0x52:], "FAT32   ")
	b[510] = 0x55
	b[511] = 0xAA
	return b
}

func buildFsInfo(freeClusters uint32) []byte {
	b := make([]byte, bytesPerSector)
	binary.LittleEndian.PutUint32(b[0:], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:], freeClusters)
	binary.LittleEndian.PutUint32(b[492:], 3) // next free hint
	binary.LittleEndian.PutUint32(b[508:], 0xAA550000)
	return b
}
