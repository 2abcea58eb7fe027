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

package pe

import "fmt"

// MemoryToFile converts a memory-layout image (sections placed at their
// RVAs) into a file-layout image (sections at PointerToRawData). The
// output is sized to the furthest section end, never smaller than the
// headers.
func MemoryToFile(mem []byte) ([]byte, error) {
	img, err := Parse(mem)
	if err != nil {
		return nil, err
	}

	outSize := int(img.SizeOfHdrs)
	for _, s := range img.Sections {
		if end := int(s.PointerToRawData) + int(s.SizeOfRawData); end > outSize {
			outSize = end
		}
	}
	if int(img.SizeOfHdrs) > len(mem) {
		return nil, fmt.Errorf("%w: headers larger than image", ErrInvalidFormat)
	}

	out := make([]byte, outSize)
	copy(out, mem[:img.SizeOfHdrs])

	for _, s := range img.Sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		src := int(s.VirtualAddress)
		if src+int(s.SizeOfRawData) > len(mem) {
			return nil, fmt.Errorf("%w: section %s outside memory image", ErrInvalidFormat, s.Name)
		}
		copy(out[s.PointerToRawData:], mem[src:src+int(s.SizeOfRawData)])
	}
	return out, nil
}

// FileToMemory expands a file-layout image to its in-memory layout:
// headers at 0, each section at its RVA, gaps zero-filled, total size
// SizeOfImage.
func FileToMemory(file []byte) ([]byte, error) {
	img, err := Parse(file)
	if err != nil {
		return nil, err
	}
	if img.SizeOfImage == 0 {
		return nil, fmt.Errorf("%w: zero SizeOfImage", ErrInvalidFormat)
	}
	if int(img.SizeOfHdrs) > len(file) {
		return nil, fmt.Errorf("%w: headers larger than file", ErrInvalidFormat)
	}

	mem := make([]byte, img.SizeOfImage)
	copy(mem, file[:img.SizeOfHdrs])

	for _, s := range img.Sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		src := int(s.PointerToRawData)
		if src+int(s.SizeOfRawData) > len(file) {
			return nil, fmt.Errorf("%w: section %s outside file image", ErrInvalidFormat, s.Name)
		}
		if int(s.VirtualAddress)+int(s.SizeOfRawData) > len(mem) {
			return nil, fmt.Errorf("%w: section %s outside SizeOfImage", ErrInvalidFormat, s.Name)
		}
		copy(mem[s.VirtualAddress:], file[src:src+int(s.SizeOfRawData)])
	}
	return mem, nil
}
