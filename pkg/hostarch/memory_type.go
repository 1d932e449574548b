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

package hostarch

import "fmt"

// MemoryType is the caching behaviour of a mapping. The loader selects it
// through the PAT index of the page table entry, so the PAT programmed at the
// mode transition must agree with PATIndex.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory. It must be the zero
	// value.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is used for framebuffers.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strong uncacheable (UC).
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// patIndex is the PAT entry selected by each memory type. Bit 0 of the index
// is PWT and bit 1 is PCD.
var patIndex = [NumMemoryTypes]uint8{
	MemoryTypeWriteBack:    0,
	MemoryTypeWriteCombine: 1,
	MemoryTypeUncached:     3,
}

// PATIndex returns the PAT entry that gives mt.
func (mt MemoryType) PATIndex() uint8 {
	if mt >= NumMemoryTypes {
		panic(fmt.Sprintf("invalid memory type %d", mt))
	}
	return patIndex[mt]
}

// MemoryTypeForPATIndex is the inverse of PATIndex. Entries the loader does
// not program are reported as uncached.
func MemoryTypeForPATIndex(index uint8) MemoryType {
	for mt, i := range patIndex {
		if i == index {
			return MemoryType(mt)
		}
	}
	return MemoryTypeUncached
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
