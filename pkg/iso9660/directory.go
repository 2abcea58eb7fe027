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

package iso9660

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/morpheusx/morpheusx/pkg/types"
)

const (
	flagDirectory = 0x02
)

// FileEntry is one directory record.
type FileEntry struct {
	Name      string
	ExtentLBA uint32
	Size      uint32
	Flags     byte
}

func (e FileEntry) IsDir() bool {
	return e.Flags&flagDirectory != 0
}

// decodeRecord parses a directory record at buf[0]. Returns the record
// and its length, or length 0 at a sector-padding boundary.
func decodeRecord(buf []byte) (FileEntry, int, error) {
	if len(buf) < 1 || buf[0] == 0 {
		return FileEntry{}, 0, nil
	}
	recLen := int(buf[0])
	if recLen < 34 || recLen > len(buf) {
		return FileEntry{}, 0, fmt.Errorf("%w: implausible record length %d", ErrInvalidFormat, recLen)
	}
	nameLen := int(buf[32])
	if 33+nameLen > recLen {
		return FileEntry{}, 0, fmt.Errorf("%w: name overruns record", ErrInvalidFormat)
	}
	e := FileEntry{
		ExtentLBA: binary.LittleEndian.Uint32(buf[2:]),
		Size:      binary.LittleEndian.Uint32(buf[10:]),
		Flags:     buf[25],
	}
	name := buf[33 : 33+nameLen]
	switch {
	case nameLen == 1 && name[0] == 0x00:
		e.Name = "."
	case nameLen == 1 && name[0] == 0x01:
		e.Name = ".."
	default:
		// Strip the ";N" version suffix.
		s := string(name)
		if idx := strings.IndexByte(s, ';'); idx >= 0 {
			s = s[:idx]
		}
		e.Name = s
	}
	return e, recLen, nil
}

// ReadDir iterates a directory extent, skipping the self and parent
// records.
func ReadDir(dev types.BlockDevice, v *Volume, extentLBA, extentLen uint32) ([]FileEntry, error) {
	var out []FileEntry
	buf := make([]byte, LogicalBlockSize)
	blocks := (extentLen + LogicalBlockSize - 1) / LogicalBlockSize
	for b := uint32(0); b < blocks; b++ {
		if err := readLogical(dev, v, extentLBA+b, buf); err != nil {
			return nil, err
		}
		off := 0
		for off < LogicalBlockSize {
			e, n, err := decodeRecord(buf[off:])
			if err != nil {
				return nil, err
			}
			if n == 0 {
				// Records never straddle sectors; a zero byte pads to
				// the next one.
				break
			}
			off += n
			if e.Name == "." || e.Name == ".." {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// FindFile resolves a '/'-separated path case-insensitively and returns
// its entry.
func FindFile(dev types.BlockDevice, v *Volume, path string) (FileEntry, error) {
	extentLBA := v.RootExtentLBA
	extentLen := v.RootExtentLen

	comps := []string{}
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			comps = append(comps, c)
		}
	}
	if len(comps) == 0 {
		return FileEntry{}, fmt.Errorf("%w: empty path", ErrNotFound)
	}

	for i, comp := range comps {
		entries, err := ReadDir(dev, v, extentLBA, extentLen)
		if err != nil {
			return FileEntry{}, err
		}
		var match *FileEntry
		for j := range entries {
			if strings.EqualFold(entries[j].Name, comp) {
				match = &entries[j]
				break
			}
		}
		if match == nil {
			return FileEntry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if i == len(comps)-1 {
			return *match, nil
		}
		if !match.IsDir() {
			return FileEntry{}, fmt.Errorf("%w: %s is not a directory", ErrNotFound, comp)
		}
		extentLBA = match.ExtentLBA
		extentLen = match.Size
	}
	return FileEntry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// ReadFile copies the file extent into buf, returning the byte count.
func ReadFile(dev types.BlockDevice, v *Volume, e *FileEntry, buf []byte) (int, error) {
	if uint32(len(buf)) < e.Size {
		return 0, fmt.Errorf("%w: buffer smaller than file", ErrInvalidFormat)
	}
	sector := make([]byte, LogicalBlockSize)
	remaining := int(e.Size)
	off := 0
	for b := uint32(0); remaining > 0; b++ {
		if err := readLogical(dev, v, e.ExtentLBA+b, sector); err != nil {
			return 0, err
		}
		n := remaining
		if n > LogicalBlockSize {
			n = LogicalBlockSize
		}
		copy(buf[off:], sector[:n])
		off += n
		remaining -= n
	}
	return int(e.Size), nil
}

// ReadFileVec is the allocating convenience form of ReadFile.
func ReadFileVec(dev types.BlockDevice, v *Volume, e *FileEntry) ([]byte, error) {
	buf := make([]byte, e.Size)
	if _, err := ReadFile(dev, v, e, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
