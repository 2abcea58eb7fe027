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

// Package chunkstore stores oversized ISOs across multiple FAT32 chunk
// partitions: a manifest file describes the chunk layout, and a virtual
// block device presents the chunks as one contiguous image.
package chunkstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/morpheusx/morpheusx/pkg/constants"
)

const (
	manifestNameField = 63
	chunkRecordSize   = 16 + 8 + 8 + 8

	// MaxChunks bounds one ISO at 16 chunks of just under 4 GiB each.
	MaxChunks = 16
)

var ErrInvalidManifest = fmt.Errorf("invalid manifest")

// Chunk is one chunk-partition record of a manifest.
type Chunk struct {
	PartitionUUID [16]byte
	StartLBA      uint64
	EndLBA        uint64
	DataBytes     uint64
}

// Manifest describes one chunked ISO.
type Manifest struct {
	IsoName      string
	TotalSize    uint64
	Chunks       []Chunk
	BytesWritten uint64
	Complete     bool
}

// Progress returns the write progress in percent.
func (m Manifest) Progress() uint8 {
	if m.TotalSize == 0 {
		return 0
	}
	return uint8(m.BytesWritten * 100 / m.TotalSize)
}

// FileName derives the deterministic 8.3 manifest name from the ISO
// name: CRC32 of the name in upper-case hex plus the .MFS extension, so
// long distro names cannot collide after 8.3 truncation.
func FileName(isoName string) string {
	return fmt.Sprintf("%08X%s", crc32.ChecksumIEEE([]byte(isoName)), constants.ManifestExt)
}

// Path returns the manifest's full path under the ISO directory.
func (m Manifest) Path() string {
	return constants.IsoDir + "/" + FileName(m.IsoName)
}

// Encode serializes the manifest in its fixed little-endian layout:
// magic, name length + NUL-padded name, total size, chunk records,
// bytes written, completion flag.
func (m Manifest) Encode() ([]byte, error) {
	if len(m.IsoName) == 0 || len(m.IsoName) > manifestNameField {
		return nil, fmt.Errorf("%w: ISO name length %d", ErrInvalidManifest, len(m.IsoName))
	}
	if len(m.Chunks) > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks", ErrInvalidManifest, len(m.Chunks))
	}
	size := 4 + 1 + manifestNameField + 8 + 1 + len(m.Chunks)*chunkRecordSize + 8 + 1
	buf := make([]byte, size)
	off := 0
	copy(buf, constants.ManifestMagic)
	off += 4
	buf[off] = uint8(len(m.IsoName))
	off++
	copy(buf[off:off+manifestNameField], m.IsoName)
	off += manifestNameField
	binary.LittleEndian.PutUint64(buf[off:], m.TotalSize)
	off += 8
	buf[off] = uint8(len(m.Chunks))
	off++
	for _, c := range m.Chunks {
		copy(buf[off:], c.PartitionUUID[:])
		binary.LittleEndian.PutUint64(buf[off+16:], c.StartLBA)
		binary.LittleEndian.PutUint64(buf[off+24:], c.EndLBA)
		binary.LittleEndian.PutUint64(buf[off+32:], c.DataBytes)
		off += chunkRecordSize
	}
	binary.LittleEndian.PutUint64(buf[off:], m.BytesWritten)
	off += 8
	if m.Complete {
		buf[off] = 1
	}
	return buf, nil
}

// Decode parses a manifest blob.
func Decode(buf []byte) (Manifest, error) {
	var m Manifest
	if len(buf) < 4+1+manifestNameField+8+1 {
		return m, fmt.Errorf("%w: truncated", ErrInvalidManifest)
	}
	if string(buf[:4]) != constants.ManifestMagic {
		return m, fmt.Errorf("%w: bad magic", ErrInvalidManifest)
	}
	off := 4
	nameLen := int(buf[off])
	off++
	if nameLen == 0 || nameLen > manifestNameField {
		return m, fmt.Errorf("%w: name length %d", ErrInvalidManifest, nameLen)
	}
	m.IsoName = string(buf[off : off+nameLen])
	off += manifestNameField
	m.TotalSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	count := int(buf[off])
	off++
	if count > MaxChunks {
		return m, fmt.Errorf("%w: %d chunks", ErrInvalidManifest, count)
	}
	if len(buf) < off+count*chunkRecordSize+9 {
		return m, fmt.Errorf("%w: truncated chunk records", ErrInvalidManifest)
	}
	for i := 0; i < count; i++ {
		var c Chunk
		copy(c.PartitionUUID[:], buf[off:])
		c.StartLBA = binary.LittleEndian.Uint64(buf[off+16:])
		c.EndLBA = binary.LittleEndian.Uint64(buf[off+24:])
		c.DataBytes = binary.LittleEndian.Uint64(buf[off+32:])
		m.Chunks = append(m.Chunks, c)
		off += chunkRecordSize
	}
	m.BytesWritten = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.Complete = buf[off] == 1
	return m, nil
}
