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
	"fmt"
	"path"
	"strings"
)

// resolveParent splits a path into its parent directory cluster and the
// final component name.
func (c *Context) resolveParent(p string) (uint32, string, error) {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	if name == "" {
		return 0, "", fmt.Errorf("%w: empty file name", ErrInvalidFormat)
	}
	parent, err := c.Lookup(dir)
	if err != nil {
		return 0, "", err
	}
	if !parent.IsDir() {
		return 0, "", fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}
	cluster := parent.FirstCluster
	if cluster == 0 {
		cluster = c.RootCluster
	}
	return cluster, name, nil
}

// writeChainData writes data over the given clusters, zero-padding the
// final cluster tail.
func (c *Context) writeChainData(clusters []uint32, data []byte) error {
	buf := make([]byte, c.ClusterSize())
	for i, cluster := range clusters {
		for j := range buf {
			buf[j] = 0
		}
		start := i * int(c.ClusterSize())
		if start < len(data) {
			copy(buf, data[start:])
		}
		if err := c.WriteCluster(cluster, buf); err != nil {
			return err
		}
	}
	return nil
}

// pickChain selects the clusters for a file of the given length without
// touching the FAT yet.
func (c *Context) pickChain(length int) ([]uint32, error) {
	n := (uint32(length) + c.ClusterSize() - 1) / c.ClusterSize()
	if n == 0 {
		n = 1 // zero-length files still get one cluster, keeps records simple
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
	return clusters, nil
}

// CreateFile writes a new file. The on-disk ordering is data, then FAT1,
// then FAT2, then the directory entry, so a crash leaves either an
// unallocated chain or a complete file, never a dangling record.
func (c *Context) CreateFile(p string, data []byte) error {
	parent, name, err := c.resolveParent(p)
	if err != nil {
		return err
	}
	if _, err := c.findInDir(parent, name); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	name83, err := To83(name)
	if err != nil {
		return err
	}

	clusters, err := c.pickChain(len(data))
	if err != nil {
		return err
	}
	if err := c.writeChainData(clusters, data); err != nil {
		return err
	}
	for fat := uint32(0); fat < c.NumFats; fat++ {
		for i, cluster := range clusters {
			value := uint32(fatEOC)
			if i+1 < len(clusters) {
				value = clusters[i+1]
			}
			if err := c.writeFATEntryCopy(fat, cluster, value); err != nil {
				return err
			}
		}
	}
	entry := encodeDirEntry(name83, AttrArchive, clusters[0], uint32(len(data)))
	if err := c.addDirEntry(parent, entry); err != nil {
		return err
	}
	return c.dev.Flush()
}

// RemoveFile deletes a file: the directory record is freed first, then
// the chain, so a crash cannot resurrect a half-freed file.
func (c *Context) RemoveFile(p string) error {
	parent, name, err := c.resolveParent(p)
	if err != nil {
		return err
	}
	info, err := c.findInDir(parent, name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidFormat, p)
	}

	want, _ := To83(name)
	chain, err := c.Chain(parent)
	if err != nil {
		return err
	}
	buf := make([]byte, c.ClusterSize())
	cleared := false
	for _, cluster := range chain {
		if err := c.ReadCluster(cluster, buf); err != nil {
			return err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == entryEndMark {
				break
			}
			if string(buf[off:off+11]) == string(want[:]) && buf[off] != entryFree {
				buf[off] = entryFree
				if err := c.WriteCluster(cluster, buf); err != nil {
					return err
				}
				cleared = true
				break
			}
		}
		if cleared {
			break
		}
	}
	if !cleared {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	fileChain, err := c.Chain(info.FirstCluster)
	if err != nil {
		return err
	}
	for _, cluster := range fileChain {
		if err := c.WriteFATEntry(cluster, 0); err != nil {
			return err
		}
	}
	return c.dev.Flush()
}

// ReadFile resolves a path and returns the file bytes.
func (c *Context) ReadFile(p string) ([]byte, error) {
	info, err := c.Lookup(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	chain, err := c.Chain(info.FirstCluster)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, info.Size)
	remaining := int(info.Size)
	buf := make([]byte, c.ClusterSize())
	for _, cluster := range chain {
		if remaining <= 0 {
			break
		}
		if err := c.ReadCluster(cluster, buf); err != nil {
			return nil, err
		}
		n := remaining
		if n > len(buf) {
			n = len(buf)
		}
		out = append(out, buf[:n]...)
		remaining -= n
	}
	return out, nil
}

// PreallocateFile links a contiguous chain for a file whose data will be
// streamed with raw sector writes, and records the directory entry with
// the final size. Used by the chunk writer, which needs the data region
// laid out before the bytes exist. Returns the first cluster.
func (c *Context) PreallocateFile(p string, size uint64) (uint32, error) {
	parent, name, err := c.resolveParent(p)
	if err != nil {
		return 0, err
	}
	if _, err := c.findInDir(parent, name); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrExists, p)
	}
	name83, err := To83(name)
	if err != nil {
		return 0, err
	}
	n := uint32((size + uint64(c.ClusterSize()) - 1) / uint64(c.ClusterSize()))
	if n == 0 {
		n = 1
	}
	clusters, err := c.AllocateChain(n)
	if err != nil {
		return 0, err
	}
	entry := encodeDirEntry(name83, AttrArchive, clusters[0], uint32(size))
	if err := c.addDirEntry(parent, entry); err != nil {
		return 0, err
	}
	return clusters[0], nil
}
