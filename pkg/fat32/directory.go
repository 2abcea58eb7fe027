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
)

const (
	dirEntrySize = 32

	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	attrLongName  = 0x0F

	entryFree    = 0xE5
	entryEndMark = 0x00
)

// FileInfo is one parsed directory record.
type FileInfo struct {
	Name         string
	Attr         byte
	FirstCluster uint32
	Size         uint32
}

func (f FileInfo) IsDir() bool {
	return f.Attr&AttrDirectory != 0
}

func decodeDirEntry(raw []byte) FileInfo {
	var name [11]byte
	copy(name[:], raw[:11])
	return FileInfo{
		Name: From83(name),
		Attr: raw[11],
		FirstCluster: uint32(binary.LittleEndian.Uint16(raw[20:]))<<16 |
			uint32(binary.LittleEndian.Uint16(raw[26:])),
		Size: binary.LittleEndian.Uint32(raw[28:]),
	}
}

func encodeDirEntry(name [11]byte, attr byte, firstCluster, size uint32) []byte {
	raw := make([]byte, dirEntrySize)
	copy(raw, name[:])
	raw[11] = attr
	binary.LittleEndian.PutUint16(raw[20:], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(raw[26:], uint16(firstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(raw[28:], size)
	return raw
}

// readDirCluster lists the records of one directory cluster, skipping
// deleted, long-filename and volume-label records, and reports whether
// the end-of-directory marker was reached.
func (c *Context) readDirCluster(cluster uint32) ([]FileInfo, bool, error) {
	buf := make([]byte, c.ClusterSize())
	if err := c.ReadCluster(cluster, buf); err != nil {
		return nil, false, err
	}
	var out []FileInfo
	for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
		rec := buf[off : off+dirEntrySize]
		switch {
		case rec[0] == entryEndMark:
			return out, true, nil
		case rec[0] == entryFree:
		case rec[11]&attrLongName == attrLongName:
		case rec[11]&AttrVolumeID != 0:
		default:
			out = append(out, decodeDirEntry(rec))
		}
	}
	return out, false, nil
}

// ReadDir walks the directory's cluster chain, returning every record.
func (c *Context) ReadDir(dirCluster uint32) ([]FileInfo, error) {
	chain, err := c.Chain(dirCluster)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, cluster := range chain {
		entries, done, err := c.readDirCluster(cluster)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if done {
			break
		}
	}
	return out, nil
}

// findInDir locates a name inside the directory at dirCluster.
func (c *Context) findInDir(dirCluster uint32, name string) (FileInfo, error) {
	want, err := To83(name)
	if err != nil {
		return FileInfo{}, err
	}
	entries, err := c.ReadDir(dirCluster)
	if err != nil {
		return FileInfo{}, err
	}
	for _, e := range entries {
		if e.Name == From83(want) {
			return e, nil
		}
	}
	return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// addDirEntry appends a record to the directory, extending its cluster
// chain when full.
func (c *Context) addDirEntry(dirCluster uint32, raw []byte) error {
	chain, err := c.Chain(dirCluster)
	if err != nil {
		return err
	}
	buf := make([]byte, c.ClusterSize())
	for _, cluster := range chain {
		if err := c.ReadCluster(cluster, buf); err != nil {
			return err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == entryEndMark || buf[off] == entryFree {
				copy(buf[off:], raw)
				return c.WriteCluster(cluster, buf)
			}
		}
	}

	// Directory is full: grow by one zeroed cluster.
	grown, err := c.AllocateChain(1)
	if err != nil {
		return err
	}
	last := chain[len(chain)-1]
	if err := c.WriteFATEntry(last, grown[0]); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, raw)
	return c.WriteCluster(grown[0], buf)
}

// Mkdir creates a directory under parentCluster with the classic "." and
// ".." self/parent records.
func (c *Context) Mkdir(parentCluster uint32, name string) (uint32, error) {
	if _, err := c.findInDir(parentCluster, name); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrExists, name)
	}
	clusters, err := c.AllocateChain(1)
	if err != nil {
		return 0, err
	}
	dir := clusters[0]

	buf := make([]byte, c.ClusterSize())
	dot, _ := To83(".")
	dotdot, _ := To83("..")
	parentRef := parentCluster
	if parentRef == c.RootCluster {
		parentRef = 0 // ".." of a first-level directory points at 0 by convention
	}
	copy(buf[0:], encodeDirEntry(dot, AttrDirectory, dir, 0))
	copy(buf[dirEntrySize:], encodeDirEntry(dotdot, AttrDirectory, parentRef, 0))
	if err := c.WriteCluster(dir, buf); err != nil {
		return 0, err
	}

	name83, err := To83(name)
	if err != nil {
		return 0, err
	}
	if err := c.addDirEntry(parentCluster, encodeDirEntry(name83, AttrDirectory, dir, 0)); err != nil {
		return 0, err
	}
	return dir, nil
}

// MkdirAll walks path components under the root, creating missing
// directories, and returns the final directory's first cluster.
func (c *Context) MkdirAll(path string) (uint32, error) {
	cluster := c.RootCluster
	for _, comp := range splitPath(path) {
		e, err := c.findInDir(cluster, comp)
		switch {
		case err == nil && e.IsDir():
			cluster = e.FirstCluster
		case err == nil:
			return 0, fmt.Errorf("%w: %s is a file", ErrExists, comp)
		default:
			cluster, err = c.Mkdir(cluster, comp)
			if err != nil {
				return 0, err
			}
		}
	}
	return cluster, nil
}

// Lookup resolves a path from the root, returning the final record.
func (c *Context) Lookup(path string) (FileInfo, error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return FileInfo{Attr: AttrDirectory, FirstCluster: c.RootCluster}, nil
	}
	cluster := c.RootCluster
	for i, comp := range comps {
		e, err := c.findInDir(cluster, comp)
		if err != nil {
			return FileInfo{}, err
		}
		if i == len(comps)-1 {
			return e, nil
		}
		if !e.IsDir() {
			return FileInfo{}, fmt.Errorf("%w: %s is not a directory", ErrNotFound, comp)
		}
		cluster = e.FirstCluster
	}
	return FileInfo{}, ErrNotFound
}
