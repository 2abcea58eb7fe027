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

package chunkstore

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/fat32"
	"github.com/morpheusx/morpheusx/pkg/gpt"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// dataFileName is the single file holding a chunk's slice of ISO bytes
// inside its FAT32 partition.
const dataFileName = "ISODATA.BIN"

var (
	ErrNoESP       = fmt.Errorf("disk has no EFI system partition")
	ErrOutOfRange  = fmt.Errorf("ISO index out of range")
	ErrChunkLost   = fmt.Errorf("chunk partition missing from the GPT")
	ErrDiskFull    = fmt.Errorf("not enough free space for the ISO")
	ErrIsoTooLarge = fmt.Errorf("ISO exceeds the chunk-count limit")
)

// Manager owns the manifest index of one disk: the ESP holds the
// manifests, the chunk partitions hold the data.
type Manager struct {
	dev   types.BlockDevice
	log   types.Logger
	table *gpt.Table
	esp   *fat32.Context

	chunkLimit uint64
	manifests  []Manifest
}

// ManagerOption mutates a Manager during construction.
type ManagerOption func(*Manager)

// WithChunkLimit overrides the per-chunk byte cap. Tests use this to
// exercise multi-chunk layouts without multi-gigabyte fixtures.
func WithChunkLimit(bytes uint64) ManagerOption {
	return func(m *Manager) {
		m.chunkLimit = bytes
	}
}

// NewManager loads the disk's GPT, mounts the ESP and scans the manifest
// directory.
func NewManager(dev types.BlockDevice, log types.Logger, opts ...ManagerOption) (*Manager, error) {
	table, err := gpt.Load(dev, log)
	if err != nil {
		return nil, errors.Wrap(err, "reading partition table")
	}
	m := &Manager{dev: dev, log: log, table: table, chunkLimit: constants.ChunkMaxBytes}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.mountESP(); err != nil {
		return nil, err
	}
	if err := m.scan(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) mountESP() error {
	for _, p := range m.table.List() {
		if p.TypeGUID == gpt.TypeEfiSystem {
			part := types.NewPartitionDevice(m.dev, p.StartingLBA, p.Sectors())
			esp, err := fat32.Mount(part)
			if err != nil {
				return errors.Wrap(err, "mounting ESP")
			}
			m.esp = esp
			return nil
		}
	}
	return ErrNoESP
}

// scan reads every manifest under the ISO directory.
func (m *Manager) scan() error {
	m.manifests = nil
	dir, err := m.esp.Lookup(constants.IsoDir)
	if err != nil {
		// No ISO directory yet means no stored ISOs.
		return nil
	}
	entries, err := m.esp.ReadDir(dir.FirstCluster)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name, constants.ManifestExt) {
			continue
		}
		blob, err := m.esp.ReadFile(constants.IsoDir + "/" + e.Name)
		if err != nil {
			return err
		}
		manifest, err := Decode(blob)
		if err != nil {
			m.log.Warnf("skipping unreadable manifest %s: %v", e.Name, err)
			continue
		}
		m.manifests = append(m.manifests, manifest)
	}
	return nil
}

// Count returns the number of stored ISOs.
func (m *Manager) Count() int {
	return len(m.manifests)
}

// Get returns the manifest at index i.
func (m *Manager) Get(i int) (Manifest, error) {
	if i < 0 || i >= len(m.manifests) {
		return Manifest{}, ErrOutOfRange
	}
	return m.manifests[i], nil
}

// Manifests returns the manifest index in scan order.
func (m *Manager) Manifests() []Manifest {
	out := make([]Manifest, len(m.manifests))
	copy(out, m.manifests)
	return out
}

// Remove deletes the ISO at index i: its chunk partitions and then its
// manifest file.
func (m *Manager) Remove(i int) error {
	manifest, err := m.Get(i)
	if err != nil {
		return err
	}
	for _, c := range manifest.Chunks {
		slot := -1
		for s := 0; s < gpt.NumEntries; s++ {
			p, ok := m.table.FindBySlot(s)
			if ok && p.UniqueGUID == gpt.GUID(c.PartitionUUID) {
				slot = s
				break
			}
		}
		if slot < 0 {
			m.log.Warnf("chunk partition %x already gone", c.PartitionUUID)
			continue
		}
		if err := m.table.DeletePartition(slot); err != nil {
			return err
		}
	}
	if err := m.esp.RemoveFile(manifest.Path()); err != nil {
		return err
	}
	return m.scan()
}

// writeManifest persists a manifest, replacing any previous file.
func (m *Manager) writeManifest(manifest Manifest) error {
	blob, err := manifest.Encode()
	if err != nil {
		return err
	}
	if _, err := m.esp.MkdirAll(constants.IsoDir); err != nil {
		return err
	}
	if _, err := m.esp.Lookup(manifest.Path()); err == nil {
		if err := m.esp.RemoveFile(manifest.Path()); err != nil {
			return err
		}
	}
	return m.esp.CreateFile(manifest.Path(), blob)
}

// chunkPartitionSectors estimates the partition size needed to hold
// dataBytes inside a FAT32 filesystem, converging on the FAT overhead.
func chunkPartitionSectors(dataBytes uint64) uint64 {
	dataSectors := (dataBytes + constants.SectorSize - 1) / constants.SectorSize
	// Round data up to whole 4 KiB clusters plus the root directory.
	clusters := (dataSectors + 7) / 8
	sectors := clusters*8 + 8 + 32
	for i := 0; i < 4; i++ {
		fatSize := (sectors - 32 + 1024) / 1025
		sectors = clusters*8 + 8 + 32 + 2*fatSize
	}
	// The format floor is 65 MiB.
	if sectors < 65*1024*2 {
		sectors = 65 * 1024 * 2
	}
	return sectors
}

// AllocateFor creates, formats and preallocates the chunk partitions for
// an ISO of the given size, persists the initial manifest and returns a
// streaming writer.
func (m *Manager) AllocateFor(isoName string, size uint64) (*Writer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized ISO", ErrInvalidManifest)
	}
	manifest := Manifest{IsoName: isoName, TotalSize: size}
	var extents []chunkExtent

	remaining := size
	index := 0
	for remaining > 0 {
		if index >= MaxChunks {
			return nil, ErrIsoTooLarge
		}
		chunkBytes := remaining
		if chunkBytes > m.chunkLimit {
			chunkBytes = m.chunkLimit
		}
		sectors := chunkPartitionSectors(chunkBytes)
		start, _, err := m.table.FindFreeSpace(sectors)
		if err != nil {
			return nil, ErrDiskFull
		}
		end := start + sectors - 1
		slot, err := m.table.AddPartition(gpt.TypeLinuxFilesystem, start, end,
			fmt.Sprintf("%s%d", constants.ChunkLabel, index))
		if err != nil {
			return nil, err
		}
		part, _ := m.table.FindBySlot(slot)

		partDev := types.NewPartitionDevice(m.dev, start, sectors)
		if err := fat32.Format(partDev, constants.ChunkLabel); err != nil {
			return nil, errors.Wrapf(err, "formatting chunk %d", index)
		}
		ctx, err := fat32.Mount(partDev)
		if err != nil {
			return nil, err
		}
		firstCluster, err := ctx.PreallocateFile("/"+dataFileName, chunkBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "preallocating chunk %d", index)
		}

		manifest.Chunks = append(manifest.Chunks, Chunk{
			PartitionUUID: part.UniqueGUID,
			StartLBA:      start,
			EndLBA:        end,
			DataBytes:     chunkBytes,
		})
		extents = append(extents, chunkExtent{
			dataStart: start + ctx.ClusterToSector(firstCluster),
			dataBytes: chunkBytes,
		})
		remaining -= chunkBytes
		index++
	}

	if err := m.writeManifest(manifest); err != nil {
		return nil, err
	}
	m.manifests = append(m.manifests, manifest)
	return newWriter(m, manifest, extents), nil
}

// ReadContext snapshots the chunk extents of the ISO at index i for
// read-side consumers. The data offset inside each chunk comes from the
// chunk's own FAT32 boot parameters, not a fixed constant, so chunks
// formatted with other parameters stay readable.
func (m *Manager) ReadContext(i int) (*ReadContext, error) {
	manifest, err := m.Get(i)
	if err != nil {
		return nil, err
	}
	ctx := &ReadContext{TotalSize: manifest.TotalSize}
	for _, c := range manifest.Chunks {
		if _, ok := m.table.FindByUniqueGUID(gpt.GUID(c.PartitionUUID)); !ok {
			return nil, ErrChunkLost
		}
		partDev := types.NewPartitionDevice(m.dev, c.StartLBA, c.EndLBA-c.StartLBA+1)
		fsCtx, err := fat32.Mount(partDev)
		if err != nil {
			return nil, errors.Wrap(err, "mounting chunk partition")
		}
		info, err := fsCtx.Lookup("/" + dataFileName)
		if err != nil {
			return nil, errors.Wrap(err, "locating chunk data file")
		}
		ctx.Chunks = append(ctx.Chunks, chunkExtent{
			dataStart: c.StartLBA + fsCtx.ClusterToSector(info.FirstCluster),
			dataBytes: c.DataBytes,
		})
	}
	return ctx, nil
}

// updateManifest rewrites the manifest after a progress change.
func (m *Manager) updateManifest(manifest Manifest) error {
	if err := m.writeManifest(manifest); err != nil {
		return err
	}
	for i := range m.manifests {
		if m.manifests[i].IsoName == manifest.IsoName {
			m.manifests[i] = manifest
		}
	}
	return nil
}
