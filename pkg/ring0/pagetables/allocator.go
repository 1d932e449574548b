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

	"springboard.dev/springboard/pkg/frame"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)
}

// FrameSource hands out physical frames for tables.
type FrameSource interface {
	AllocFrame() (frame.Frame, error)
}

// FrameAllocator backs each table with a physical frame. Tables are kept in
// host memory until committed.
type FrameAllocator struct {
	src    FrameSource
	byPhys map[uint64]*PTEs
	byPTEs map[*PTEs]uint64
}

// NewFrameAllocator returns an allocator drawing frames from src.
func NewFrameAllocator(src FrameSource) *FrameAllocator {
	return &FrameAllocator{
		src:    src,
		byPhys: make(map[uint64]*PTEs),
		byPTEs: make(map[*PTEs]uint64),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, error) {
	f, err := a.src.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocating page table: %w", err)
	}
	ptes := new(PTEs)
	a.byPhys[f.Address()] = ptes
	a.byPTEs[ptes] = f.Address()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *FrameAllocator) PhysicalFor(ptes *PTEs) uint64 {
	phys, ok := a.byPTEs[ptes]
	if !ok {
		panic(fmt.Sprintf("unknown table %p", ptes))
	}
	return phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical uint64) *PTEs {
	ptes, ok := a.byPhys[physical]
	if !ok {
		panic(fmt.Sprintf("no table at %#x", physical))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs. The frame is not returned to the
// source; boot-time frames are never reused.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	phys := a.byPTEs[ptes]
	delete(a.byPTEs, ptes)
	delete(a.byPhys, phys)
}

// Tables returns the number of live tables.
func (a *FrameAllocator) Tables() int {
	return len(a.byPTEs)
}
