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
)

// visitor is invoked for entries encountered by a Walker.
type visitor interface {
	// requiresAlloc indicates that missing tables must be allocated, and
	// that visit will be called for every entry in the range.
	requiresAlloc() bool

	// requiresSplit indicates that super pages only partially covered by
	// the range must be split.
	requiresSplit() bool

	// visit is called for each leaf entry. start is aligned to align+1.
	// Returning false stops the walk.
	visit(start uint64, pte *PTE, align uint64) bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor

	// err records an allocation failure that stopped the walk.
	err error
}

// levelShifts is indexed by depth: 0 for the last level, 3 for the root.
var levelShifts = [...]uint{pteShift, pmdShift, pudShift, pgdShift}

// superAt reports whether entries at depth may map a page directly.
func superAt(depth int) bool {
	return depth == 1 || depth == 2
}

// addrEnd returns the end of the size-aligned block covering addr, clamped
// to end. size is a power of two.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// newPTEs allocates a table, recording any failure in w.err.
func (w *Walker) newPTEs() *PTEs {
	ptes, err := w.pageTables.Allocator.NewPTEs()
	if err != nil {
		w.err = err
		return nil
	}
	return ptes
}

// iterateRange visits the leaf entries for [start, end). An end of ^0
// reaches the top of the address space.
//
// If requiresAlloc is set, visit is called for every page of the range and
// the visitor must Set each entry; a super page entry it leaves invalid is
// replaced by a table of smaller entries. Walks prefer super pages wherever
// alignment allows, and the align passed to visit tells which size was used.
//
// Without requiresAlloc, absent tables are skipped, so the walk has gaps.
//
// Precondition: start is page-aligned and not after end. Allocating walks
// must not touch the non-canonical hole.
func (w *Walker) iterateRange(start, end uint64) bool {
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %#x", start))
	}
	if start > end {
		panic(fmt.Sprintf("start %#x after end %#x", start, end))
	}
	if w.visitor.requiresAlloc() && start < upperBottom && end > lowerTop+1 {
		panic(fmt.Sprintf("alloc [%#x, %#x) spans non-canonical range", start, end))
	}
	root := w.pageTables.root
	if start <= lowerTop {
		if ok, _ := w.walkTable(root, 3, start, min(end, lowerTop+1)); !ok {
			return false
		}
	}
	if end > upperBottom {
		ok, _ := w.walkTable(root, 3, max(start, upperBottom), end)
		return ok
	}
	return true
}

// walkTable walks entries of a table at the given depth over [start, end),
// which lies within the table's span. Tables left empty are released.
//
// It returns whether the walk completed and how many entries were clear.
func (w *Walker) walkTable(entries *PTEs, depth int, start, end uint64) (bool, uint16) {
	if depth == 0 {
		return w.walkPTEs(entries, start, end)
	}
	shift := levelShifts[depth]
	size := uint64(1) << shift
	var clear uint16
	for start < end {
		boundary := addrEnd(start, end, size)
		entry := &entries[(start>>shift)&(entriesPerPage-1)]
		var child *PTEs
		switch {
		case !entry.Valid():
			if !w.visitor.requiresAlloc() {
				clear++
				start = boundary
				continue
			}
			// Try the whole block as one super page first; the visitor
			// clears the entry when the physical side is misaligned.
			if superAt(depth) && start&(size-1) == 0 && end-start >= size {
				entry.SetSuper()
				if !w.visitor.visit(start, entry, size-1) {
					return false, clear
				}
				if entry.Valid() {
					start = boundary
					continue
				}
			}
			if child = w.newPTEs(); child == nil {
				return false, clear
			}
			entry.setPageTable(w.pageTables, child)
		case entry.IsSuper():
			covered := start&(size-1) == 0 && end >= next(start, size)
			if !w.visitor.requiresSplit() || covered {
				if !w.visitor.visit(start&^(size-1), entry, size-1) {
					return false, clear
				}
				if !entry.Valid() {
					clear++
				}
				start = boundary
				continue
			}
			if child = w.split(entry, depth); child == nil {
				return false, clear
			}
		default:
			child = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok, childClear := w.walkTable(child, depth-1, start, boundary)
		if !ok {
			return false, clear
		}
		if childClear == entriesPerPage {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(child)
			clear++
		}
		start = boundary
	}
	return true, clear
}

// split replaces the super page in entry with a table of entries one level
// down that map the same range with the same options.
func (w *Walker) split(entry *PTE, depth int) *PTEs {
	child := w.newPTEs()
	if child == nil {
		return nil
	}
	size := uint64(1) << levelShifts[depth-1]
	opts := entry.Opts()
	for i := range child {
		if superAt(depth - 1) {
			child[i].SetSuper()
		}
		child[i].Set(entry.Address()+size*uint64(i), opts)
	}
	entry.setPageTable(w.pageTables, child)
	return child
}

// walkPTEs visits last-level entries in [start, end). Clear entries are
// counted only when the visitor does not allocate.
func (w *Walker) walkPTEs(entries *PTEs, start, end uint64) (bool, uint16) {
	var clear uint16
	for start < end {
		entry := &entries[(start&pteMask)>>pteShift]
		if entry.Valid() || w.visitor.requiresAlloc() {
			if !w.visitor.visit(start, entry, pteSize-1) {
				return false, clear
			}
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clear++
		}
		// The last page of the address space wraps.
		if start += pteSize; start == 0 {
			break
		}
	}
	return true, clear
}
