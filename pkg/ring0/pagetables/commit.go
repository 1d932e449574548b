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

	"springboard.dev/springboard/pkg/binary"
	"springboard.dev/springboard/pkg/physmem"
)

// Commit writes every table to its physical frame in mem, installing the
// recursive entry in the root if one was set. It returns the number of tables
// written.
func (p *PageTables) Commit(mem physmem.Memory) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root := *p.root
	if p.recursive >= 0 {
		root[p.recursive] = PTE(p.rootPhysical | present | writable | accessed | dirty | executeDisable)
	}
	if err := writeTable(mem, p.rootPhysical, &root); err != nil {
		return 0, err
	}
	n := 1
	err := p.commitLevel(mem, p.root, 3, &n)
	return n, err
}

// commitLevel writes the tables referenced by ptes. depth is the number of
// table levels below ptes.
func (p *PageTables) commitLevel(mem physmem.Memory, ptes *PTEs, depth int, n *int) error {
	if depth == 0 {
		return nil
	}
	for i := range ptes {
		e := &ptes[i]
		if !e.Valid() || e.IsSuper() {
			continue
		}
		child := p.Allocator.LookupPTEs(e.Address())
		if err := writeTable(mem, e.Address(), child); err != nil {
			return err
		}
		*n++
		if err := p.commitLevel(mem, child, depth-1, n); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(mem physmem.Memory, phys uint64, ptes *PTEs) error {
	buf := binary.Marshal(make([]byte, 0, pteSize), binary.LittleEndian, ptes)
	if _, err := mem.WriteAt(buf, int64(phys)); err != nil {
		return fmt.Errorf("writing table at %#x: %w", phys, err)
	}
	return nil
}

// Read decodes the table stored at phys in mem.
func Read(mem physmem.Memory, phys uint64) (*PTEs, error) {
	buf := make([]byte, pteSize)
	if _, err := mem.ReadAt(buf, int64(phys)); err != nil {
		return nil, fmt.Errorf("reading table at %#x: %w", phys, err)
	}
	ptes := new(PTEs)
	binary.Unmarshal(buf, binary.LittleEndian, ptes)
	return ptes, nil
}

// Translate walks tables committed to mem, as the MMU would, starting from
// the root at cr3. It returns the physical address and options of addr.
func Translate(mem physmem.Memory, cr3 uint64, addr uint64) (uint64, MapOpts, bool, error) {
	shifts := []uint{pgdShift, pudShift, pmdShift, pteShift}
	table := cr3 &^ optionMask
	for level, shift := range shifts {
		ptes, err := Read(mem, table)
		if err != nil {
			return 0, MapOpts{}, false, err
		}
		e := ptes[(addr>>shift)&(entriesPerPage-1)]
		if !e.Valid() {
			return 0, MapOpts{}, false, nil
		}
		leaf := level == len(shifts)-1 || (level > 0 && e.IsSuper())
		if leaf {
			size := uint64(1) << shift
			return e.Address() + addr&(size-1), e.Opts(), true, nil
		}
		table = e.Address()
	}
	panic("unreachable")
}
