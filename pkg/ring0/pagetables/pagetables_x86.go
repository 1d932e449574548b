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

package pagetables

import (
	"fmt"

	"springboard.dev/springboard/pkg/hostarch"
)

// Address constraints.
//
// The lowerTop and upperBottom currently apply to four-level pagetables;
// additional refactoring would be necessary to support five-level pagetables.
const (
	lowerTop    = hostarch.LowerTop
	upperBottom = hostarch.UpperBottom

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	executeDisable = 1 << 63
	entriesPerPage = 512
)

// Bits in page table entries.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100
	optionMask   = executeDisable | 0xfff
)

// Sizes of the mappings a single entry can hold.
const (
	// PageSize is mapped by a PTE.
	PageSize = pteSize

	// HugePageSize is mapped by a super PMD entry.
	HugePageSize = pmdSize

	// GiantPageSize is mapped by a super PUD entry.
	GiantPageSize = pudSize

	// PGDSize is the span of a single top-level entry.
	PGDSize = pgdSize

	// EntriesPerPage is the number of entries in a table.
	EntriesPerPage = entriesPerPage
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type. Write-combining relies on PAT entry 1
	// being programmed as WC, which the mode transition does.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.Global {
		s += ",global"
	}
	if o.User {
		s += ",user"
	}
	if o.MemoryType != hostarch.MemoryTypeWriteBack {
		s += "," + o.MemoryType.ShortString()
	}
	return s
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := *p
	var pat uint8
	if v&writeThrough != 0 {
		pat |= 1
	}
	if v&cacheDisable != 0 {
		pat |= 2
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: hostarch.MemoryTypeForPATIndex(pat),
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	*p = super
}

// IsSuper returns true iff this page is a super page.
func (p *PTE) IsSuper() bool {
	return *p&super != 0
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uint64, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	pat := opts.MemoryType.PATIndex()
	if pat&1 != 0 {
		v |= writeThrough
	}
	if pat&2 != 0 {
		v |= cacheDisable
	}
	if p.IsSuper() {
		v |= super
	}
	*p = PTE(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^optionMask != addr {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %#x", addr))
	}
	*p = PTE(addr | present | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns true.
func (p *PTE) Address() uint64 {
	return uint64(*p &^ optionMask)
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// next returns the next address quantized by the given size.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// IndexOf returns the top-level table index covering addr.
func IndexOf(addr hostarch.Addr) int {
	return int((uint64(addr) & pgdMask) >> pgdShift)
}

// AddrOfIndex returns the canonical base address of a top-level index.
func AddrOfIndex(index int) hostarch.Addr {
	v := uint64(index) << pgdShift
	if index >= entriesPerPage/2 {
		v |= upperBottom
	}
	return hostarch.Addr(v)
}
