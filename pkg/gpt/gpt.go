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

// Package gpt maintains primary and backup GUID partition tables with
// CRC32 validation, partition create/delete/shrink and free-space search.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	Signature  = "EFI PART"
	Revision   = 0x00010000
	HeaderSize = 92
	NumEntries = 128
	EntrySize  = 128

	// PrimaryHeaderLBA is fixed by the UEFI spec.
	PrimaryHeaderLBA = 1
	// PrimaryArrayLBA sits right after the primary header.
	PrimaryArrayLBA = 2

	// FirstUsableLBA leaves room for the protective MBR, the primary
	// header and the 32-sector entry array.
	FirstUsableLBA = 34

	entryArraySectors = NumEntries * EntrySize / 512
)

// ErrInvalidFormat is returned for tables failing signature or CRC checks
// on both copies.
var ErrInvalidFormat = fmt.Errorf("invalid GPT")

// Well-known partition type GUIDs in canonical string form.
var (
	TypeEfiSystem       = MustGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	TypeLinuxFilesystem = MustGUID("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
)

// GUID is a partition GUID in its on-disk mixed-endian byte form.
type GUID [16]byte

// MustGUID parses a canonical GUID string into on-disk form.
func MustGUID(s string) GUID {
	u := uuid.MustParse(s)
	return guidFromUUID(u)
}

// NewRandomGUID generates a random GUID in on-disk form.
func NewRandomGUID() GUID {
	return guidFromUUID(uuid.New())
}

// guidFromUUID converts RFC-4122 big-endian bytes to the GPT mixed-endian
// layout (first three fields little-endian).
func guidFromUUID(u uuid.UUID) GUID {
	var g GUID
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:], u[8:])
	return g
}

func (g GUID) String() string {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	copy(u[8:], g[8:])
	return u.String()
}

// IsZero reports whether the GUID is all zeroes (an unused entry).
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// Header is the 92-byte GPT header.
type Header struct {
	CurrentLBA        uint64
	BackupLBA         uint64
	FirstUsableLBA    uint64
	LastUsableLBA     uint64
	DiskGUID          GUID
	PartitionEntryLBA uint64
	NumEntries        uint32
	EntrySize         uint32
	ArrayCRC32        uint32
}

// Encode serializes the header into a zero-padded sector, computing the
// header CRC over the 92 header bytes with the CRC field zeroed.
func (h Header) Encode() []byte {
	buf := make([]byte, 512)
	copy(buf, Signature)
	binary.LittleEndian.PutUint32(buf[8:], Revision)
	binary.LittleEndian.PutUint32(buf[12:], HeaderSize)
	// CRC at 16 computed below
	binary.LittleEndian.PutUint64(buf[24:], h.CurrentLBA)
	binary.LittleEndian.PutUint64(buf[32:], h.BackupLBA)
	binary.LittleEndian.PutUint64(buf[40:], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:], h.LastUsableLBA)
	copy(buf[56:], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:], h.PartitionEntryLBA)
	binary.LittleEndian.PutUint32(buf[80:], h.NumEntries)
	binary.LittleEndian.PutUint32(buf[84:], h.EntrySize)
	binary.LittleEndian.PutUint32(buf[88:], h.ArrayCRC32)

	crc := crc32.ChecksumIEEE(buf[:HeaderSize])
	binary.LittleEndian.PutUint32(buf[16:], crc)
	return buf
}

// DecodeHeader validates signature, revision and CRC, returning the
// parsed header.
func DecodeHeader(sector []byte) (Header, error) {
	var h Header
	if len(sector) < HeaderSize {
		return h, fmt.Errorf("%w: short header", ErrInvalidFormat)
	}
	if !bytes.Equal(sector[:8], []byte(Signature)) {
		return h, fmt.Errorf("%w: bad signature", ErrInvalidFormat)
	}
	if binary.LittleEndian.Uint32(sector[8:]) != Revision {
		return h, fmt.Errorf("%w: bad revision", ErrInvalidFormat)
	}
	stored := binary.LittleEndian.Uint32(sector[16:])
	scratch := make([]byte, HeaderSize)
	copy(scratch, sector[:HeaderSize])
	binary.LittleEndian.PutUint32(scratch[16:], 0)
	if crc32.ChecksumIEEE(scratch) != stored {
		return h, fmt.Errorf("%w: header CRC mismatch", ErrInvalidFormat)
	}

	h.CurrentLBA = binary.LittleEndian.Uint64(sector[24:])
	h.BackupLBA = binary.LittleEndian.Uint64(sector[32:])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(sector[40:])
	h.LastUsableLBA = binary.LittleEndian.Uint64(sector[48:])
	copy(h.DiskGUID[:], sector[56:72])
	h.PartitionEntryLBA = binary.LittleEndian.Uint64(sector[72:])
	h.NumEntries = binary.LittleEndian.Uint32(sector[80:])
	h.EntrySize = binary.LittleEndian.Uint32(sector[84:])
	h.ArrayCRC32 = binary.LittleEndian.Uint32(sector[88:])
	return h, nil
}

// Partition is one partition-array entry.
type Partition struct {
	TypeGUID    GUID
	UniqueGUID  GUID
	StartingLBA uint64
	EndingLBA   uint64
	Attributes  uint64
	Name        string
}

// InUse reports whether the entry slot is occupied.
func (p Partition) InUse() bool {
	return !p.TypeGUID.IsZero()
}

// Sectors returns the partition length in sectors.
func (p Partition) Sectors() uint64 {
	if p.EndingLBA < p.StartingLBA {
		return 0
	}
	return p.EndingLBA - p.StartingLBA + 1
}

func encodeEntry(p Partition, buf []byte) {
	copy(buf[0:], p.TypeGUID[:])
	copy(buf[16:], p.UniqueGUID[:])
	binary.LittleEndian.PutUint64(buf[32:], p.StartingLBA)
	binary.LittleEndian.PutUint64(buf[40:], p.EndingLBA)
	binary.LittleEndian.PutUint64(buf[48:], p.Attributes)
	units := utf16.Encode([]rune(p.Name))
	if len(units) > 36 {
		units = units[:36]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[56+i*2:], u)
	}
}

func decodeEntry(buf []byte) Partition {
	var p Partition
	copy(p.TypeGUID[:], buf[0:16])
	copy(p.UniqueGUID[:], buf[16:32])
	p.StartingLBA = binary.LittleEndian.Uint64(buf[32:])
	p.EndingLBA = binary.LittleEndian.Uint64(buf[40:])
	p.Attributes = binary.LittleEndian.Uint64(buf[48:])
	var units []uint16
	for i := 0; i < 36; i++ {
		u := binary.LittleEndian.Uint16(buf[56+i*2:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	p.Name = string(utf16.Decode(units))
	return p
}

// EncodeEntryArray serializes all 128 entries into the 32-sector array.
func EncodeEntryArray(parts *[NumEntries]Partition) []byte {
	buf := make([]byte, NumEntries*EntrySize)
	for i, p := range parts {
		if p.InUse() {
			encodeEntry(p, buf[i*EntrySize:])
		}
	}
	return buf
}

// DecodeEntryArray parses the raw array into 128 entries.
func DecodeEntryArray(buf []byte) (*[NumEntries]Partition, error) {
	if len(buf) < NumEntries*EntrySize {
		return nil, fmt.Errorf("%w: short entry array", ErrInvalidFormat)
	}
	var parts [NumEntries]Partition
	for i := range parts {
		parts[i] = decodeEntry(buf[i*EntrySize:])
	}
	return &parts, nil
}
