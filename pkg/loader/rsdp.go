// Copyright 2026 The Springboard Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"bytes"

	"springboard.dev/springboard/pkg/physmem"
)

// The BIOS read-only area searched for the ACPI root pointer.
const (
	biosAreaStart = 0xe0000
	biosAreaEnd   = 0x100000
	rsdpSignature = "RSD PTR "
	rsdpV1Size    = 20
)

// FindRSDP scans the BIOS area of mem for the ACPI root system description
// pointer. Candidates sit on 16-byte boundaries and their first 20 bytes
// sum to zero.
func FindRSDP(mem physmem.Memory) (uint64, bool) {
	if mem.Size() < biosAreaEnd {
		return 0, false
	}
	buf := make([]byte, biosAreaEnd-biosAreaStart)
	if _, err := mem.ReadAt(buf, biosAreaStart); err != nil {
		return 0, false
	}
	for off := 0; off+rsdpV1Size <= len(buf); off += 16 {
		if !bytes.Equal(buf[off:off+len(rsdpSignature)], []byte(rsdpSignature)) {
			continue
		}
		var sum byte
		for _, b := range buf[off : off+rsdpV1Size] {
			sum += b
		}
		if sum == 0 {
			return uint64(biosAreaStart + off), true
		}
	}
	return 0, false
}
