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

package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/morpheusx/morpheusx/pkg/types"
)

// Context is a mounted FAT32 volume.
type Context struct {
	dev types.BlockDevice

	SectorsPerCluster uint32
	ReservedSectors   uint32
	FatSize           uint32
	NumFats           uint32
	RootCluster       uint32
	DataStartSector   uint32
	TotalSectors      uint32
}

// Mount validates the boot sector and derives the volume context.
func Mount(dev types.BlockDevice) (*Context, error) {
	boot := make([]byte, bytesPerSector)
	if err := dev.ReadBlocks(0, boot); err != nil {
		return nil, err
	}
	if boot[510] != 0x55 || boot[511] != 0xAA {
		return nil, fmt.Errorf("%w: missing boot signature", ErrInvalidFormat)
	}
	if binary.LittleEndian.Uint16(boot[0x0B:]) != bytesPerSector {
		return nil, fmt.Errorf("%w: unsupported sector size", ErrInvalidFormat)
	}
	ctx := &Context{
		dev:               dev,
		SectorsPerCluster: uint32(boot[0x0D]),
		ReservedSectors:   uint32(binary.LittleEndian.Uint16(boot[0x0E:])),
		NumFats:           uint32(boot[0x10]),
		FatSize:           binary.LittleEndian.Uint32(boot[0x24:]),
		RootCluster:       binary.LittleEndian.Uint32(boot[0x2C:]),
		TotalSectors:      binary.LittleEndian.Uint32(boot[0x20:]),
	}
	if ctx.SectorsPerCluster == 0 || ctx.FatSize == 0 || ctx.RootCluster < 2 {
		return nil, fmt.Errorf("%w: implausible BPB", ErrInvalidFormat)
	}
	ctx.DataStartSector = ctx.ReservedSectors + ctx.NumFats*ctx.FatSize
	return ctx, nil
}

// ClusterSize returns the cluster size in bytes.
func (c *Context) ClusterSize() uint32 {
	return c.SectorsPerCluster * bytesPerSector
}

// ClusterToSector maps a cluster number to its first sector.
func (c *Context) ClusterToSector(cluster uint32) uint64 {
	return uint64(c.DataStartSector) + uint64(cluster-2)*uint64(c.SectorsPerCluster)
}

// ReadFATEntry reads one FAT entry from the first FAT copy.
func (c *Context) ReadFATEntry(cluster uint32) (uint32, error) {
	fatOffset := cluster * 4
	sectorLBA := uint64(c.ReservedSectors + fatOffset/bytesPerSector)
	entryOffset := fatOffset % bytesPerSector

	sector := make([]byte, bytesPerSector)
	if err := c.dev.ReadBlocks(sectorLBA, sector); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(sector[entryOffset:]) & fatMask, nil
}

// writeFATEntryCopy writes one FAT entry to the given FAT copy (0-based).
func (c *Context) writeFATEntryCopy(fat, cluster, value uint32) error {
	fatOffset := cluster * 4
	sectorLBA := uint64(c.ReservedSectors + fat*c.FatSize + fatOffset/bytesPerSector)
	entryOffset := fatOffset % bytesPerSector

	sector := make([]byte, bytesPerSector)
	if err := c.dev.ReadBlocks(sectorLBA, sector); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(sector[entryOffset:], value&fatMask)
	return c.dev.WriteBlocks(sectorLBA, sector)
}

// WriteFATEntry updates the entry in every FAT copy, first to last.
func (c *Context) WriteFATEntry(cluster, value uint32) error {
	for fat := uint32(0); fat < c.NumFats; fat++ {
		if err := c.writeFATEntryCopy(fat, cluster, value); err != nil {
			return err
		}
	}
	return nil
}

// maxCluster returns one past the last addressable data cluster.
func (c *Context) maxCluster() uint32 {
	dataSectors := c.TotalSectors - c.DataStartSector
	return dataSectors/c.SectorsPerCluster + 2
}

// FindFreeCluster linearly scans the FAT for a zero entry.
func (c *Context) FindFreeCluster(startFrom uint32) (uint32, error) {
	if startFrom < 2 {
		startFrom = 2
	}
	for cluster := startFrom; cluster < c.maxCluster(); cluster++ {
		entry, err := c.ReadFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if entry == 0 {
			return cluster, nil
		}
	}
	return 0, ErrNoSpace
}

// AllocateChain links n free clusters into a chain in every FAT copy,
// FAT1 fully before FAT2, and returns the chain's clusters in order.
// A fresh volume yields a contiguous run.
func (c *Context) AllocateChain(n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	clusters := make([]uint32, 0, n)
	next := uint32(2)
	for uint32(len(clusters)) < n {
		free, err := c.FindFreeCluster(next)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, free)
		next = free + 1
	}
	for fat := uint32(0); fat < c.NumFats; fat++ {
		for i, cluster := range clusters {
			value := uint32(fatEOC)
			if i+1 < len(clusters) {
				value = clusters[i+1]
			}
			if err := c.writeFATEntryCopy(fat, cluster, value); err != nil {
				return nil, err
			}
		}
	}
	return clusters, nil
}

// Chain follows a cluster chain from its first cluster.
func (c *Context) Chain(first uint32) ([]uint32, error) {
	var clusters []uint32
	cluster := first
	for cluster >= 2 && cluster < fatEOC {
		clusters = append(clusters, cluster)
		if uint32(len(clusters)) > c.maxCluster() {
			return nil, fmt.Errorf("%w: cluster chain loop at %d", ErrInvalidFormat, cluster)
		}
		next, err := c.ReadFATEntry(cluster)
		if err != nil {
			return nil, err
		}
		cluster = next
	}
	return clusters, nil
}

// ReadCluster reads a whole cluster.
func (c *Context) ReadCluster(cluster uint32, buf []byte) error {
	return c.dev.ReadBlocks(c.ClusterToSector(cluster), buf[:c.ClusterSize()])
}

// WriteCluster writes a whole cluster.
func (c *Context) WriteCluster(cluster uint32, buf []byte) error {
	return c.dev.WriteBlocks(c.ClusterToSector(cluster), buf[:c.ClusterSize()])
}

// FATsEqual compares both FAT copies byte for byte, used by consistency
// checks and tests.
func (c *Context) FATsEqual() (bool, error) {
	a := make([]byte, bytesPerSector)
	b := make([]byte, bytesPerSector)
	for s := uint32(0); s < c.FatSize; s++ {
		if err := c.dev.ReadBlocks(uint64(c.ReservedSectors+s), a); err != nil {
			return false, err
		}
		if err := c.dev.ReadBlocks(uint64(c.ReservedSectors+c.FatSize+s), b); err != nil {
			return false, err
		}
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	}
	return true, nil
}
