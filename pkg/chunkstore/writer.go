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

	"github.com/morpheusx/morpheusx/pkg/types"
)

// bufferSize is the accumulation buffer: 64 KiB, 128 sectors per flush.
const bufferSize = 64 * 1024

var ErrWriterClosed = fmt.Errorf("writer already finalized")
var ErrWriteOverflow = fmt.Errorf("write past the allocated ISO size")

// Writer streams download bytes into the preallocated chunk layout.
// Bytes accumulate in a 64 KiB buffer and flush as sector-aligned block
// writes; the trailing partial sector is zero-padded on Finalize.
type Writer struct {
	manager  *Manager
	manifest Manifest
	extents  []chunkExtent

	buf  [bufferSize]byte
	fill int

	chunkIdx    int
	chunkOffset uint64 // bytes written into the current chunk
	written     uint64
	closed      bool
}

func newWriter(m *Manager, manifest Manifest, extents []chunkExtent) *Writer {
	return &Writer{manager: m, manifest: manifest, extents: extents}
}

// BytesWritten reports the bytes flushed plus those still buffered.
func (w *Writer) BytesWritten() uint64 {
	return w.written + uint64(w.fill)
}

// Write buffers p, flushing each time the buffer fills. Implements
// io.Writer so HTTP bodies stream straight in.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.BytesWritten()+uint64(len(p)) > w.manifest.TotalSize {
		return 0, ErrWriteOverflow
	}
	total := 0
	for len(p) > 0 {
		n := copy(w.buf[w.fill:], p)
		w.fill += n
		p = p[n:]
		total += n
		if w.fill == bufferSize {
			if err := w.flush(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// flush writes the buffered bytes to the current chunk, spilling into
// the next chunk at its boundary, and pads the final sector with zeroes
// when the buffer does not end sector-aligned (only on Finalize).
func (w *Writer) flush() error {
	data := w.buf[:w.fill]
	for len(data) > 0 {
		if w.chunkIdx >= len(w.extents) {
			return ErrWriteOverflow
		}
		extent := w.extents[w.chunkIdx]
		room := extent.dataBytes - w.chunkOffset
		n := uint64(len(data))
		if n > room {
			n = room
		}

		sectors := (n + types.SectorSize - 1) / types.SectorSize
		padded := make([]byte, sectors*types.SectorSize)
		copy(padded, data[:n])

		lba := extent.dataStart + w.chunkOffset/types.SectorSize
		if err := w.manager.dev.WriteBlocks(lba, padded); err != nil {
			return err
		}

		w.chunkOffset += n
		w.written += n
		data = data[n:]
		if w.chunkOffset == extent.dataBytes {
			w.chunkIdx++
			w.chunkOffset = 0
			if err := w.recordProgress(false); err != nil {
				return err
			}
		}
	}
	w.fill = 0
	return nil
}

// recordProgress rewrites the manifest with the current counters.
func (w *Writer) recordProgress(complete bool) error {
	w.manifest.BytesWritten = w.written
	w.manifest.Complete = complete
	return w.manager.updateManifest(w.manifest)
}

// Finalize flushes the partial buffer, marks the manifest complete when
// every byte arrived, and closes the writer.
func (w *Writer) Finalize() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.fill > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}
	w.closed = true
	if err := w.manager.dev.Flush(); err != nil {
		return err
	}
	return w.recordProgress(w.written == w.manifest.TotalSize)
}
