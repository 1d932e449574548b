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

package ring0

import (
	"fmt"

	"springboard.dev/springboard/pkg/binary"
)

// SegmentDescriptorFlags are the attribute bits of a segment descriptor, in
// the positions they occupy in its upper word.
type SegmentDescriptorFlags uint32

// Segment descriptor attributes.
const (
	SegmentDescriptorAccess     SegmentDescriptorFlags = 1 << 8  // Access bit (always set).
	SegmentDescriptorWrite                             = 1 << 9  // Write permission (read for code).
	SegmentDescriptorExpandDown                        = 1 << 10 // Grows down, not used.
	SegmentDescriptorExecute                           = 1 << 11 // Execute permission.
	SegmentDescriptorSystem                            = 1 << 12 // Zero => system, 1 => user code/data.
	SegmentDescriptorPresent                           = 1 << 15 // Present.
	SegmentDescriptorAVL                               = 1 << 20 // Available.
	SegmentDescriptorLong                              = 1 << 21 // Long mode.
	SegmentDescriptorDB                                = 1 << 22 // 16 or 32-bit.
	SegmentDescriptorG                                 = 1 << 23 // Granularity: page or byte.
)

// SegmentDescriptor is a legacy segment descriptor.
type SegmentDescriptor struct {
	bits [2]uint32
}

// String implements fmt.Stringer.String.
func (d SegmentDescriptor) String() string {
	return fmt.Sprintf("%08x%08x", d.bits[1], d.bits[0])
}

// Flags returns the attribute bits.
func (d *SegmentDescriptor) Flags() SegmentDescriptorFlags {
	return SegmentDescriptorFlags(d.bits[1] & 0x00f0ff00)
}

// DPL returns the descriptor privilege level.
func (d *SegmentDescriptor) DPL() int {
	return int((d.bits[1] >> 13) & 3)
}

func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

func (d *SegmentDescriptor) set(base, limit uint32, dpl int, flags SegmentDescriptorFlags) {
	flags |= SegmentDescriptorPresent
	if limit>>16 != 0 {
		limit >>= 12
		flags |= SegmentDescriptorG
	}
	d.bits[0] = base<<16 | limit&0xffff
	d.bits[1] = base&0xff000000 | (base>>16)&0xff | limit&0x000f0000 | uint32(flags) | uint32(dpl)<<13
}

// setCode64 installs a long mode code segment. Base and limit are ignored by
// the processor but set flat for tools that decode the table.
func (d *SegmentDescriptor) setCode64(dpl int) {
	d.set(0, 0xffffffff, dpl,
		SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorExecute|
			SegmentDescriptorSystem|
			SegmentDescriptorLong)
}

func (d *SegmentDescriptor) setData(dpl int) {
	d.set(0, 0xffffffff, dpl,
		SegmentDescriptorAccess|
			SegmentDescriptorWrite|
			SegmentDescriptorSystem|
			SegmentDescriptorDB)
}

// Segment indices and selectors.
const (
	segNull  = 0
	segKcode = 1
	segKdata = 2
	segLast  = 3

	// Kcode is the kernel code selector.
	Kcode = segKcode << 3

	// Kdata is the kernel data selector.
	Kdata = segKdata << 3
)

// GDT is the kernel's initial global descriptor table.
type GDT [segLast]SegmentDescriptor

// NewGDT returns a table with the null descriptor, a 64-bit kernel code
// segment and a kernel data segment. Accessed bits are preset so the
// processor never writes to the table.
func NewGDT() GDT {
	var g GDT
	g[segNull].setNull()
	g[segKcode].setCode64(0)
	g[segKdata].setData(0)
	return g
}

// Limit returns the GDTR limit for the table.
func (g *GDT) Limit() uint16 {
	return uint16(8*segLast - 1)
}

// Bytes returns the in-memory representation of the table.
func (g *GDT) Bytes() []byte {
	return binary.Marshal(make([]byte, 0, 8*segLast), binary.LittleEndian, g)
}

// GDTR is the operand of LGDT.
type GDTR struct {
	Limit uint16
	Base  uint64
}

// Bytes returns the packed ten byte pseudo-descriptor.
func (r GDTR) Bytes() []byte {
	var b [10]byte
	binary.LittleEndian.PutUint16(b[0:], r.Limit)
	binary.LittleEndian.PutUint64(b[2:], r.Base)
	return b[:]
}
