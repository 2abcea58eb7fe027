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

package mocks

import "encoding/binary"

// BzImageOptions parameterize the synthetic kernel image fixture.
type BzImageOptions struct {
	SetupSects    uint8
	PayloadSize   int
	Relocatable   bool
	CanBeAbove4G  bool
	PrefAddress   uint64
	Alignment     uint32
	InitSize      uint32
	InitrdAddrMax uint32
}

// BuildBzImage produces a structurally valid bzImage: boot flag, HdrS
// magic, protocol 2.15 header fields and a patterned payload.
func BuildBzImage(opts BzImageOptions) []byte {
	if opts.SetupSects == 0 {
		opts.SetupSects = 4
	}
	if opts.Alignment == 0 {
		opts.Alignment = 0x200000
	}
	if opts.PrefAddress == 0 {
		opts.PrefAddress = 0x1000000
	}
	if opts.InitSize == 0 {
		opts.InitSize = uint32(opts.PayloadSize) + 0x100000
	}
	if opts.InitrdAddrMax == 0 {
		opts.InitrdAddrMax = 0x7FFFFFFF
	}

	setupSize := (int(opts.SetupSects) + 1) * 512
	img := make([]byte, setupSize+opts.PayloadSize)

	img[0x1F1] = opts.SetupSects
	binary.LittleEndian.PutUint16(img[0x1FE:], 0xAA55)
	img[0x201] = 0x7E // header ends at 0x280
	binary.LittleEndian.PutUint32(img[0x202:], 0x53726448)
	binary.LittleEndian.PutUint16(img[0x206:], 0x020F)
	binary.LittleEndian.PutUint32(img[0x214:], 0x100000) // code32_start
	binary.LittleEndian.PutUint32(img[0x22C:], opts.InitrdAddrMax)
	binary.LittleEndian.PutUint32(img[0x230:], opts.Alignment)
	if opts.Relocatable {
		img[0x234] = 1
	}
	var xlf uint16 = 0x01 // 64-bit kernel
	if opts.CanBeAbove4G {
		xlf |= 0x02
	}
	binary.LittleEndian.PutUint16(img[0x236:], xlf)
	binary.LittleEndian.PutUint32(img[0x238:], 2048) // cmdline_size
	binary.LittleEndian.PutUint64(img[0x258:], opts.PrefAddress)
	binary.LittleEndian.PutUint32(img[0x260:], opts.InitSize)

	for i := setupSize; i < len(img); i++ {
		img[i] = byte(i % 253)
	}
	return img
}
