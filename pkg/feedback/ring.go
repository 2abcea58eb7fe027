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

// Package feedback implements the post-mortem log ring shared by every
// stage after firmware exit. It is the only inter-stage channel that
// survives once regular logging is gone, so it never allocates and never
// blocks.
package feedback

import (
	"fmt"
	"sync/atomic"
)

// MsgLen is the maximum stored message length in bytes.
const MsgLen = 96

// RingSize is the number of entries kept. Power of 2 for cheap modulo.
const RingSize = 32

// Stage identifies the subsystem an entry came from.
type Stage uint8

const (
	StageDma Stage = iota
	StageHal
	StagePci
	StageVirtio
	StageDhcp
	StageDns
	StageHTTP
	StageClient
	StageStorage
	StageBoot
	StageInit
	StageNet
)

func (s Stage) String() string {
	switch s {
	case StageDma:
		return "DMA"
	case StageHal:
		return "HAL"
	case StagePci:
		return "PCI"
	case StageVirtio:
		return "VIRTIO"
	case StageDhcp:
		return "DHCP"
	case StageDns:
		return "DNS"
	case StageHTTP:
		return "HTTP"
	case StageClient:
		return "CLIENT"
	case StageStorage:
		return "STORAGE"
	case StageBoot:
		return "BOOT"
	case StageNet:
		return "NET"
	default:
		return "INIT"
	}
}

// Entry is a single fixed-size log record.
type Entry struct {
	Msg     [MsgLen]byte
	Len     uint8
	Stage   Stage
	IsError bool
}

// Message returns the stored message as a string.
func (e Entry) Message() string {
	n := int(e.Len)
	if n > MsgLen {
		n = MsgLen
	}
	return string(e.Msg[:n])
}

// Format renders the entry as "[STAGE] msg" or "[ERR STAGE] msg".
func (e Entry) Format() string {
	if e.IsError {
		return fmt.Sprintf("[ERR %s] %s", e.Stage, e.Message())
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message())
}

// Ring is a fixed 32-entry single-producer single-consumer log ring.
// On overflow the newest entry wins and the reader skips the lost range.
type Ring struct {
	entries [RingSize]Entry
	written atomic.Uint64
	read    atomic.Uint64
}

func NewRing() *Ring {
	return &Ring{}
}

// Log stores a message, truncated to MsgLen bytes.
func (r *Ring) Log(stage Stage, isError bool, msg string) {
	e := Entry{Stage: stage, IsError: isError}
	n := copy(e.Msg[:], msg)
	e.Len = uint8(n)

	idx := r.written.Load() % RingSize
	r.entries[idx] = e
	r.written.Add(1)
}

// Logf stores a formatted message.
func (r *Ring) Logf(stage Stage, isError bool, format string, args ...interface{}) {
	r.Log(stage, isError, fmt.Sprintf(format, args...))
}

// Pop returns the oldest unread entry. When the writer has lapped the
// reader the read cursor jumps forward past the overwritten range.
func (r *Ring) Pop() (Entry, bool) {
	written := r.written.Load()
	read := r.read.Load()
	if read == written {
		return Entry{}, false
	}
	if written-read > RingSize {
		read = written - RingSize
	}
	e := r.entries[read%RingSize]
	r.read.Store(read + 1)
	return e, true
}

// Len reports how many unread entries remain, capped at RingSize.
func (r *Ring) Len() int {
	written := r.written.Load()
	read := r.read.Load()
	if written-read > RingSize {
		return RingSize
	}
	return int(written - read)
}

// TotalWritten reports the number of entries logged since creation,
// including any that were overwritten before being read.
func (r *Ring) TotalWritten() uint64 {
	return r.written.Load()
}

// Drain moves every unread entry from another ring into this one, so a
// single ring presents all sources.
func (r *Ring) Drain(other *Ring) {
	for {
		e, ok := other.Pop()
		if !ok {
			return
		}
		idx := r.written.Load() % RingSize
		r.entries[idx] = e
		r.written.Add(1)
	}
}

// HasErrors reports whether any unread entry is an error.
func (r *Ring) HasErrors() bool {
	written := r.written.Load()
	read := r.read.Load()
	if written-read > RingSize {
		read = written - RingSize
	}
	for i := read; i < written; i++ {
		if r.entries[i%RingSize].IsError {
			return true
		}
	}
	return false
}
