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
	"strings"
)

// To83 canonicalizes a name into the 11-byte space-padded 8.3 form used
// by directory records. Lower case is folded to upper case.
func To83(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	name = strings.ToUpper(name)
	if name == "." {
		out[0] = '.'
		return out, nil
	}
	if name == ".." {
		out[0], out[1] = '.', '.'
		return out, nil
	}

	base := name
	ext := ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		base = name[:idx]
		ext = name[idx+1:]
	}
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return out, fmt.Errorf("%w: %q is not an 8.3 name", ErrInvalidFormat, name)
	}
	for _, part := range []string{base, ext} {
		if strings.ContainsAny(part, ". /\\") {
			return out, fmt.Errorf("%w: %q is not an 8.3 name", ErrInvalidFormat, name)
		}
	}
	copy(out[:8], base)
	copy(out[8:], ext)
	return out, nil
}

// From83 renders an 11-byte record name back to "BASE.EXT" form.
func From83(raw [11]byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// splitPath splits "/A/B/C.TXT" into its components.
func splitPath(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
