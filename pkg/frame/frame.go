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

// Package frame implements the boot-time physical frame allocator.
//
// The allocator walks usable firmware regions in ascending address order and
// hands out frames greedily. Allocation is monotonic: frames are never freed
// or reused, and frames belonging to reserved ranges (the running loader, the
// kernel file, a ramdisk) are skipped. Once the kernel takes over, the claimed
// frames are reported to it through the boot information memory map.
package frame

import (
	"errors"
	"fmt"
	"sort"

	"springboard.dev/springboard/pkg/bitmap"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/memmap"
)

// ErrOutOfMemory is returned when usable regions are exhausted.
var ErrOutOfMemory = errors.New("out of memory")

// DefaultFloor is the lowest physical address handed out by default. Memory
// below 1 MiB holds real-mode structures used by the earlier stages.
const DefaultFloor = 0x100000

// Frame is a physical frame number.
type Frame uint64

// Address returns the physical address of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) << hostarch.PageShift
}

// FrameOf returns the frame containing addr.
func FrameOf(addr uint64) Frame {
	return Frame(addr >> hostarch.PageShift)
}

// Options configures an Allocator.
type Options struct {
	// Floor is the lowest address that may be allocated. Zero selects
	// DefaultFloor.
	Floor uint64

	// Reserved are physical ranges that must never be handed out.
	Reserved []hostarch.AddrRange
}

// Allocator is a monotonic frame allocator.
type Allocator struct {
	// regions are the usable regions, trimmed to whole pages above the
	// floor.
	regions []hostarch.AddrRange

	// reserved is sorted by start, rounded out to pages.
	reserved []hostarch.AddrRange

	// region is the index of the region next is in.
	region int

	// next is the next candidate address.
	next uint64

	// claimed holds every allocated frame number.
	claimed bitmap.Bitmap

	// count is the number of allocated frames.
	count uint64
}

// New returns an allocator over the usable regions of m.
func New(m memmap.Map, opts Options) *Allocator {
	floor := opts.Floor
	if floor == 0 {
		floor = DefaultFloor
	}
	a := &Allocator{claimed: bitmap.New(0)}
	for _, r := range m {
		if r.Type != memmap.Usable {
			continue
		}
		start, ok := hostarch.AlignUp(max(r.Base, floor), hostarch.PageSize)
		if !ok {
			continue
		}
		end := hostarch.AlignDown(r.End(), hostarch.PageSize)
		if end <= start {
			continue
		}
		a.regions = append(a.regions, hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)})
	}
	for _, r := range opts.Reserved {
		if r.Length() == 0 {
			continue
		}
		rr, ok := r.RoundOut()
		if !ok {
			rr.End = ^hostarch.Addr(0) &^ (hostarch.PageSize - 1)
		}
		a.reserved = append(a.reserved, rr)
	}
	sort.Slice(a.reserved, func(i, j int) bool {
		return a.reserved[i].Start < a.reserved[j].Start
	})
	merged := a.reserved[:0]
	for _, r := range a.reserved {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	a.reserved = merged
	return a
}

// AllocFrame returns the next free frame.
func (a *Allocator) AllocFrame() (Frame, error) {
	return a.AllocContiguous(1)
}

// AllocContiguous returns the first of n physically contiguous frames.
//
// Frames skipped while searching for a large enough run are not reused.
func (a *Allocator) AllocContiguous(n uint64) (Frame, error) {
	if n == 0 {
		return 0, fmt.Errorf("AllocContiguous: zero frames")
	}
	length := n << hostarch.PageShift
	for a.region < len(a.regions) {
		r := a.regions[a.region]
		start := max(a.next, uint64(r.Start))
		end := start + length
		if end > uint64(r.End) || end < start {
			a.region++
			continue
		}
		if res, ok := a.overlapping(start, end); ok {
			a.next = uint64(res.End)
			continue
		}
		a.next = end
		for f := FrameOf(start); f < FrameOf(end); f++ {
			a.claim(f)
		}
		return FrameOf(start), nil
	}
	return 0, fmt.Errorf("%w: %d frame(s) requested after %d allocated", ErrOutOfMemory, n, a.count)
}

// overlapping returns the first reserved range overlapping [start, end).
func (a *Allocator) overlapping(start, end uint64) (hostarch.AddrRange, bool) {
	want := hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}
	for _, r := range a.reserved {
		if r.Overlaps(want) {
			return r, true
		}
	}
	return hostarch.AddrRange{}, false
}

func (a *Allocator) claim(f Frame) {
	if uint64(f) >= uint64(bitmap.MaxBitEntryLimit) {
		panic(fmt.Sprintf("frame %#x beyond tracking limit", uint64(f)))
	}
	a.claimed.Add(uint32(f))
	a.count++
}

// Claimed returns the physical ranges handed out so far, coalesced and in
// ascending order.
func (a *Allocator) Claimed() []hostarch.AddrRange {
	var out []hostarch.AddrRange
	for _, run := range a.claimed.Runs() {
		out = append(out, hostarch.AddrRange{
			Start: hostarch.Addr(Frame(run.Start).Address()),
			End:   hostarch.Addr(Frame(run.End).Address()),
		})
	}
	return out
}

// IsClaimed returns whether f was handed out.
func (a *Allocator) IsClaimed(f Frame) bool {
	return uint64(f) < uint64(bitmap.MaxBitEntryLimit) && a.claimed.Contains(uint32(f))
}

// Allocated returns the number of frames handed out.
func (a *Allocator) Allocated() uint64 {
	return a.count
}

// Remaining returns the bytes that could still be allocated, ignoring
// fragmentation.
func (a *Allocator) Remaining() uint64 {
	var n uint64
	for i := a.region; i < len(a.regions); i++ {
		r := a.regions[i]
		start := max(a.next, uint64(r.Start))
		if start >= uint64(r.End) {
			continue
		}
		free := hostarch.AddrRange{Start: hostarch.Addr(start), End: r.End}
		n += free.Length()
		for _, res := range a.reserved {
			n -= free.Intersect(res).Length()
		}
	}
	return n
}
