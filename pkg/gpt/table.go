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

package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// ErrNoFreeSpace is returned when no gap can fit the requested sectors.
var ErrNoFreeSpace = fmt.Errorf("no free space gap large enough")

// ErrNoFreeSlot is returned when all 128 entries are occupied.
var ErrNoFreeSlot = fmt.Errorf("no free partition slot")

// Table is a GPT bound to a block device.
type Table struct {
	dev    types.BlockDevice
	log    types.Logger
	Header Header
	Parts  [NumEntries]Partition
}

// Create initializes a fresh GPT on the device: protective MBR, primary
// and backup headers, empty entry arrays.
func Create(dev types.BlockDevice, log types.Logger) (*Table, error) {
	numBlocks := dev.NumBlocks()
	if numBlocks < FirstUsableLBA*2 {
		return nil, fmt.Errorf("%w: disk too small for a GPT", ErrInvalidFormat)
	}
	t := &Table{
		dev: dev,
		log: log,
		Header: Header{
			CurrentLBA:        PrimaryHeaderLBA,
			BackupLBA:         numBlocks - 1,
			FirstUsableLBA:    FirstUsableLBA,
			LastUsableLBA:     numBlocks - FirstUsableLBA,
			DiskGUID:          NewRandomGUID(),
			PartitionEntryLBA: PrimaryArrayLBA,
			NumEntries:        NumEntries,
			EntrySize:         EntrySize,
		},
	}
	if err := t.writeProtectiveMBR(); err != nil {
		return nil, err
	}
	if err := t.Write(); err != nil {
		return nil, err
	}
	log.Debugf("created GPT on %d-sector disk, guid %s", numBlocks, t.Header.DiskGUID)
	return t, nil
}

// Load reads an existing GPT, preferring the primary copy and rebuilding
// from the backup when the primary fails CRC validation.
func Load(dev types.BlockDevice, log types.Logger) (*Table, error) {
	t := &Table{dev: dev, log: log}

	primary, perr := t.readCopy(PrimaryHeaderLBA)
	if perr == nil {
		t.Header = primary
		return t, nil
	}

	backup, berr := t.readCopy(dev.NumBlocks() - 1)
	if berr != nil {
		return nil, fmt.Errorf("%w: primary (%v) and backup (%v) both invalid",
			ErrInvalidFormat, perr, berr)
	}

	// Survivor wins: rewrite both copies from the backup's view.
	log.Warnf("primary GPT invalid (%v), rebuilding from backup", perr)
	t.Header = backup
	t.Header.CurrentLBA = PrimaryHeaderLBA
	t.Header.BackupLBA = dev.NumBlocks() - 1
	t.Header.PartitionEntryLBA = PrimaryArrayLBA
	if err := t.Write(); err != nil {
		return nil, err
	}
	return t, nil
}

// readCopy reads and validates the header at the given LBA plus its entry
// array, populating t.Parts on success.
func (t *Table) readCopy(headerLBA uint64) (Header, error) {
	sector := make([]byte, 512)
	if err := t.dev.ReadBlocks(headerLBA, sector); err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(sector)
	if err != nil {
		return Header{}, err
	}
	array := make([]byte, NumEntries*EntrySize)
	if err := t.dev.ReadBlocks(h.PartitionEntryLBA, array); err != nil {
		return Header{}, err
	}
	if crc32.ChecksumIEEE(array) != h.ArrayCRC32 {
		return Header{}, fmt.Errorf("%w: entry array CRC mismatch", ErrInvalidFormat)
	}
	parts, err := DecodeEntryArray(array)
	if err != nil {
		return Header{}, err
	}
	t.Parts = *parts
	return h, nil
}

// Write persists the table: primary header, primary array, synthesized
// backup header, backup array, then flush. The ordering means a torn
// write leaves at least one CRC-consistent copy to recover from.
func (t *Table) Write() error {
	array := EncodeEntryArray(&t.Parts)
	t.Header.ArrayCRC32 = crc32.ChecksumIEEE(array)
	t.Header.CurrentLBA = PrimaryHeaderLBA
	t.Header.BackupLBA = t.dev.NumBlocks() - 1
	t.Header.PartitionEntryLBA = PrimaryArrayLBA

	if err := t.dev.WriteBlocks(PrimaryHeaderLBA, t.Header.Encode()); err != nil {
		return err
	}
	if err := t.dev.WriteBlocks(PrimaryArrayLBA, array); err != nil {
		return err
	}

	backup := t.Header
	backup.CurrentLBA, backup.BackupLBA = t.Header.BackupLBA, t.Header.CurrentLBA
	backup.PartitionEntryLBA = backup.CurrentLBA - entryArraySectors

	if err := t.dev.WriteBlocks(backup.CurrentLBA, backup.Encode()); err != nil {
		return err
	}
	if err := t.dev.WriteBlocks(backup.PartitionEntryLBA, array); err != nil {
		return err
	}
	return t.dev.Flush()
}

// writeProtectiveMBR writes an MBR with a single 0xEE entry spanning the
// disk so legacy tools leave the GPT alone.
func (t *Table) writeProtectiveMBR() error {
	mbr := make([]byte, 512)
	size := t.dev.NumBlocks() - 1
	if size > 0xFFFFFFFF {
		size = 0xFFFFFFFF
	}
	entry := mbr[446:]
	entry[1] = 0x00
	entry[2] = 0x02 // CHS 0/0/2
	entry[4] = 0xEE
	entry[5], entry[6], entry[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(entry[8:], 1)
	binary.LittleEndian.PutUint32(entry[12:], uint32(size))
	mbr[510] = 0x55
	mbr[511] = 0xAA
	return t.dev.WriteBlocks(0, mbr)
}

// AddPartition creates a partition in the first free slot and persists
// the table. Returns the slot index.
func (t *Table) AddPartition(typeGUID GUID, start, end uint64, name string) (int, error) {
	if start < t.Header.FirstUsableLBA || end > t.Header.LastUsableLBA || end < start {
		return -1, fmt.Errorf("%w: range [%d, %d] outside usable area", ErrInvalidFormat, start, end)
	}
	for _, p := range t.used() {
		if start <= p.EndingLBA && end >= p.StartingLBA {
			return -1, fmt.Errorf("%w: range [%d, %d] overlaps %q", ErrInvalidFormat, start, end, p.Name)
		}
	}
	slot := -1
	for i := range t.Parts {
		if !t.Parts[i].InUse() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return -1, ErrNoFreeSlot
	}
	t.Parts[slot] = Partition{
		TypeGUID:    typeGUID,
		UniqueGUID:  NewRandomGUID(),
		StartingLBA: start,
		EndingLBA:   end,
		Name:        name,
	}
	if err := t.Write(); err != nil {
		return -1, err
	}
	return slot, nil
}

// DeletePartition clears the slot and persists the table.
func (t *Table) DeletePartition(slot int) error {
	if slot < 0 || slot >= NumEntries || !t.Parts[slot].InUse() {
		return fmt.Errorf("%w: slot %d not in use", ErrInvalidFormat, slot)
	}
	t.Parts[slot] = Partition{}
	return t.Write()
}

// ShrinkPartition moves the partition end down to newEnd and persists.
func (t *Table) ShrinkPartition(slot int, newEnd uint64) error {
	if slot < 0 || slot >= NumEntries || !t.Parts[slot].InUse() {
		return fmt.Errorf("%w: slot %d not in use", ErrInvalidFormat, slot)
	}
	p := &t.Parts[slot]
	if newEnd < p.StartingLBA || newEnd >= p.EndingLBA {
		return fmt.Errorf("%w: new end %d does not shrink [%d, %d]", ErrInvalidFormat,
			newEnd, p.StartingLBA, p.EndingLBA)
	}
	p.EndingLBA = newEnd
	return t.Write()
}

// used returns the occupied entries.
func (t *Table) used() []Partition {
	var out []Partition
	for _, p := range t.Parts {
		if p.InUse() {
			out = append(out, p)
		}
	}
	return out
}

// List returns the occupied entries sorted by starting LBA. Slot indices
// are not included; FindBySlot looks an entry up by slot.
func (t *Table) List() []Partition {
	parts := t.used()
	sort.Slice(parts, func(i, j int) bool { return parts[i].StartingLBA < parts[j].StartingLBA })
	return parts
}

// FindBySlot returns the entry at a slot.
func (t *Table) FindBySlot(slot int) (Partition, bool) {
	if slot < 0 || slot >= NumEntries || !t.Parts[slot].InUse() {
		return Partition{}, false
	}
	return t.Parts[slot], true
}

// FindByUniqueGUID locates a partition by its unique GUID.
func (t *Table) FindByUniqueGUID(g GUID) (Partition, bool) {
	for _, p := range t.used() {
		if p.UniqueGUID == g {
			return p, true
		}
	}
	return Partition{}, false
}

// FindFreeSpace returns the first gap of at least minSectors between the
// usable bounds, skipping gaps under the minimum-gap threshold. The
// returned start is aligned up to a 1 MiB boundary when the gap still
// fits after alignment.
func (t *Table) FindFreeSpace(minSectors uint64) (uint64, uint64, error) {
	parts := t.List()

	tryGap := func(start, end uint64) (uint64, uint64, bool) {
		if end < start || end-start+1 < constants.MinFreeSectors {
			return 0, 0, false
		}
		aligned := alignUp(start, constants.PartitionAlignSectors)
		if aligned <= end && end-aligned+1 >= minSectors {
			return aligned, end, true
		}
		if end-start+1 >= minSectors {
			return start, end, true
		}
		return 0, 0, false
	}

	cursor := t.Header.FirstUsableLBA
	for _, p := range parts {
		if p.StartingLBA > cursor {
			if s, e, ok := tryGap(cursor, p.StartingLBA-1); ok {
				return s, e, nil
			}
		}
		if p.EndingLBA+1 > cursor {
			cursor = p.EndingLBA + 1
		}
	}
	if s, e, ok := tryGap(cursor, t.Header.LastUsableLBA); ok {
		return s, e, nil
	}
	return 0, 0, ErrNoFreeSpace
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
