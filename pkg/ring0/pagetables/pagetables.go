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

// Package pagetables builds x86-64 four-level page tables for the kernel's
// initial address space.
//
// Tables are assembled in host memory, each backed by a physical frame from
// an Allocator, and written out to physical memory by Commit just before the
// mode transition.
package pagetables

import (
	"errors"
	"fmt"
	"sync"

	"springboard.dev/springboard/pkg/hostarch"
)

var (
	// ErrWritableExecutable is returned when a mapping is requested both
	// writable and executable.
	ErrWritableExecutable = errors.New("mapping is both writable and executable")

	// ErrNonCanonical is returned for ranges crossing or inside the
	// non-canonical hole.
	ErrNonCanonical = errors.New("non-canonical address range")

	// ErrRecursiveSlot is returned when a mapping or the recursive entry
	// collides with the other.
	ErrRecursiveSlot = errors.New("recursive page table slot in use")
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu serializes walks.
	mu sync.Mutex

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical uint64

	// recursive is the top-level index of the self-map, or -1.
	recursive int
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
		recursive:    -1,
	}, nil
}

// CR3 returns the CR3 value for these tables.
func (p *PageTables) CR3() uint64 {
	return p.rootPhysical
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uint64 // Input.
	physical uint64 // Input.
	opts     MapOpts
	prev     bool // Output.
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }

// visit is called for each leaf entry.
func (v *mapVisitor) visit(start uint64, pte *PTE, align uint64) bool {
	p := v.physical + (start - v.target)
	if pte.Valid() && (pte.Address() != p || pte.Opts() != v.opts) {
		v.prev = true
	}
	if p&align != 0 {
		// We will install entries at a smaller granulaity if we don't
		// install a valid entry here, however we must zap any existing
		// entry to ensure this happens.
		pte.Clear()
		return true
	}
	pte.Set(p, v.opts)
	return true
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr, length and physical must be page-aligned. A range
// ending exactly at the top of the address space is permitted.
func (p *PageTables) Map(addr hostarch.Addr, length uint64, opts MapOpts, physical uint64) (bool, error) {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length), nil
	}
	if opts.AccessType.Write && opts.AccessType.Execute {
		return false, fmt.Errorf("%w: %v at %v", ErrWritableExecutable, opts, addr)
	}
	if !addr.IsPageAligned() || length%pteSize != 0 || physical%pteSize != 0 {
		return false, fmt.Errorf("unaligned mapping %v+%#x -> %#x", addr, length, physical)
	}
	if length == 0 {
		return false, nil
	}
	start, end, err := p.checkRange(addr, length)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	w := Walker{
		pageTables: p,
		visitor: &mapVisitor{
			target:   start,
			physical: physical,
			opts:     opts,
		},
	}
	if !w.iterateRange(start, end) {
		return false, fmt.Errorf("mapping %v+%#x: %w", addr, length, w.err)
	}
	return w.visitor.(*mapVisitor).prev, nil
}

// checkRange returns the walk bounds for [addr, addr+length).
func (p *PageTables) checkRange(addr hostarch.Addr, length uint64) (uint64, uint64, error) {
	start := uint64(addr)
	end := start + length
	last := end - 1
	if end < start && end != 0 {
		return 0, 0, fmt.Errorf("%w: %v+%#x overflows", ErrNonCanonical, addr, length)
	}
	if end == 0 {
		// Walks treat ^0 as the end of the address space.
		end = ^uint64(0)
	}
	if !(last <= lowerTop || start >= upperBottom) {
		return 0, 0, fmt.Errorf("%w: [%#x, %#x]", ErrNonCanonical, start, last)
	}
	if p.recursive >= 0 {
		slot := uint64(AddrOfIndex(p.recursive))
		if start <= slot+(pgdSize-1) && last >= slot {
			return 0, 0, fmt.Errorf("%w: [%#x, %#x] overlaps index %d", ErrRecursiveSlot, start, last, p.recursive)
		}
	}
	return start, end, nil
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }

// visit unmaps the given entry.
func (v *unmapVisitor) visit(start uint64, pte *PTE, align uint64) bool {
	pte.Clear()
	v.count++
	return true
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not overflow.
func (p *PageTables) Unmap(addr hostarch.Addr, length uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, end := uint64(addr), uint64(addr)+length
	if end == 0 {
		end = ^uint64(0)
	}
	if end <= start {
		return false
	}
	w := Walker{
		pageTables: p,
		visitor:    &unmapVisitor{},
	}
	w.iterateRange(start, end)
	return w.visitor.(*unmapVisitor).count > 0
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target   uint64 // Input & Output.
	physical uint64 // Output.
	size     uint64 // Output.
	opts     MapOpts
	found    bool
}

func (*lookupVisitor) requiresAlloc() bool { return false }
func (*lookupVisitor) requiresSplit() bool { return false }

// visit matches the given address.
func (v *lookupVisitor) visit(start uint64, pte *PTE, align uint64) bool {
	if !pte.Valid() {
		return true
	}
	v.physical = pte.Address() + (v.target - start)
	v.size = align + 1
	v.opts = pte.Opts()
	v.found = true
	return false
}

// Lookup returns the physical address and options for the given virtual
// address. ok is false if addr is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uint64, opts MapOpts, ok bool) {
	if !addr.IsCanonical() {
		return 0, MapOpts{}, false
	}
	mask := uint64(pteSize - 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := Walker{
		pageTables: p,
		visitor:    &lookupVisitor{target: uint64(addr)},
	}
	start := uint64(addr) &^ mask
	end := start + pteSize
	if end == 0 {
		end = ^uint64(0)
	}
	w.iterateRange(start, end)
	v := w.visitor.(*lookupVisitor)
	return v.physical, v.opts, v.found
}

// Mapping is a single leaf entry, as reported by Walk.
type Mapping struct {
	Start    hostarch.Addr
	Length   uint64
	Physical uint64
	Opts     MapOpts
}

// walkVisitor reports each valid leaf.
type walkVisitor struct {
	fn func(Mapping) bool
}

func (*walkVisitor) requiresAlloc() bool { return false }
func (*walkVisitor) requiresSplit() bool { return false }

func (v *walkVisitor) visit(start uint64, pte *PTE, align uint64) bool {
	if !pte.Valid() {
		return true
	}
	return v.fn(Mapping{
		Start:    hostarch.Addr(start),
		Length:   align + 1,
		Physical: pte.Address(),
		Opts:     pte.Opts(),
	})
}

// Walk calls fn for every leaf mapping in ascending virtual address order,
// until fn returns false. The recursive entry is not reported.
func (p *PageTables) Walk(fn func(Mapping) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := Walker{
		pageTables: p,
		visitor:    &walkVisitor{fn: fn},
	}
	w.iterateRange(0, ^uint64(0))
}

// SetRecursive installs a self-referencing top-level entry at index. The
// entry is written by Commit; the slot must be empty and stays reserved.
func (p *PageTables) SetRecursive(index int) error {
	if index < 0 || index >= entriesPerPage {
		return fmt.Errorf("recursive index %d out of range", index)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root[index].Valid() {
		return fmt.Errorf("%w: index %d has mappings", ErrRecursiveSlot, index)
	}
	p.recursive = index
	return nil
}

// Recursive returns the recursive index, if one was installed.
func (p *PageTables) Recursive() (int, bool) {
	return p.recursive, p.recursive >= 0
}
