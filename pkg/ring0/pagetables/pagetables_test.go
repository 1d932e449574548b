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
	"errors"
	"testing"

	"springboard.dev/springboard/pkg/frame"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/physmem"
)

type mapping struct {
	start  uint64
	length uint64
	addr   uint64
	opts   MapOpts
}

func newTestTables(t *testing.T) *PageTables {
	t.Helper()
	m := memmap.Map{{Base: 0, Length: 64 << 20, Type: memmap.Usable}}
	pt, err := New(NewFrameAllocator(frame.New(m, frame.Options{})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt
}

func mustMap(t *testing.T, pt *PageTables, addr uint64, length uint64, opts MapOpts, physical uint64) {
	t.Helper()
	if _, err := pt.Map(hostarch.Addr(addr), length, opts, physical); err != nil {
		t.Fatalf("Map(%#x, %#x): %v", addr, length, err)
	}
}

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	var (
		current int
		found   []mapping
		failed  string
	)

	// Iterate over all the mappings.
	pt.Walk(func(got Mapping) bool {
		found = append(found, mapping{
			start:  uint64(got.Start),
			length: got.Length,
			addr:   got.Physical,
			opts:   got.Opts,
		})
		if failed != "" {
			// Don't keep looking for errors.
			return true
		}

		if current >= len(m) {
			failed = "more mappings than expected"
		} else if m[current].start != uint64(got.Start) {
			failed = "start didn't match expected"
		} else if m[current].length != got.Length {
			failed = "end didn't match expected"
		} else if m[current].addr != got.Physical {
			failed = "address didn't match expected"
		} else if m[current].opts != got.Opts {
			failed = "opts didn't match"
		}
		current++
		return true
	})

	// Were we expected additional mappings?
	if failed == "" && current != len(m) {
		failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", failed, found, m)
	}
}

var (
	readOnly  = MapOpts{AccessType: hostarch.Read}
	readWrite = MapOpts{AccessType: hostarch.ReadWrite}
	readExec  = MapOpts{AccessType: hostarch.ReadExecute}
)

func TestUnmap(t *testing.T) {
	pt := newTestTables(t)

	// Map and unmap one entry.
	mustMap(t, pt, 0x400000, pteSize, readWrite, pteSize*42)
	pt.Unmap(0x400000, pteSize)

	checkMappings(t, pt, nil)
}

func TestReadOnly(t *testing.T) {
	pt := newTestTables(t)

	// Map one entry.
	mustMap(t, pt, 0x400000, pteSize, readOnly, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readOnly},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := newTestTables(t)

	// Map two sequential entries.
	mustMap(t, pt, 0x400000, pteSize, readWrite, pteSize*42)
	mustMap(t, pt, 0x401000, pteSize, readExec, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x401000, pteSize, pteSize * 47, readExec},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := newTestTables(t)

	// Span a pgd with two pages.
	mustMap(t, pt, 0x00007efffffff000, 2*pteSize, readOnly, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize, pteSize * 42, readOnly},
		{0x00007f0000000000, pteSize, pteSize * 43, readOnly},
	})
}

func TestUpperHalf(t *testing.T) {
	pt := newTestTables(t)

	// The last 2 MiB of the address space, up to and including the last page.
	mustMap(t, pt, 0xffffffffffe00000, 2*pteSize, readExec, pteSize*42)
	mustMap(t, pt, 0xfffffffffffff000, pteSize, readWrite, pteSize*7)

	checkMappings(t, pt, []mapping{
		{0xffffffffffe00000, pteSize, pteSize * 42, readExec},
		{0xffffffffffe01000, pteSize, pteSize * 43, readExec},
		{0xfffffffffffff000, pteSize, pteSize * 7, readWrite},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt := newTestTables(t)

	// Map a small page and a huge page.
	mustMap(t, pt, 0x400000, pteSize, readWrite, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pmdSize, readOnly, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x00007f0000000000, pmdSize, pmdSize * 47, readOnly},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt := newTestTables(t)

	// Map a small page and a super page.
	mustMap(t, pt, 0x400000, pteSize, readWrite, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pudSize, readOnly, pudSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x00007f0000000000, pudSize, pudSize * 47, readOnly},
	})
}

func TestSplit1GPage(t *testing.T) {
	pt := newTestTables(t)

	// Map a super page and knock out the middle.
	mustMap(t, pt, 0x00007f0000000000, pudSize, readOnly, pudSize*42)
	pt.Unmap(hostarch.Addr(0x00007f0000000000+pteSize), pudSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{0x00007f0000000000, pteSize, pudSize * 42, readOnly},
		{0x00007f0000000000 + pudSize - pteSize, pteSize, pudSize*42 + pudSize - pteSize, readOnly},
	})
}

func TestSplit2MPage(t *testing.T) {
	pt := newTestTables(t)

	// Map a huge page and knock out the middle.
	mustMap(t, pt, 0x00007f0000000000, pmdSize, readOnly, pmdSize*42)
	pt.Unmap(hostarch.Addr(0x00007f0000000000+pteSize), pmdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{0x00007f0000000000, pteSize, pmdSize * 42, readOnly},
		{0x00007f0000000000 + pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, readOnly},
	})
}

func TestUnalignedPhysicalFallsBack(t *testing.T) {
	pt := newTestTables(t)

	// A 2 MiB aligned virtual range backed by 4 KiB aligned frames must
	// use small pages.
	mustMap(t, pt, 0x200000, 2*pteSize, readOnly, 0x1000)
	checkMappings(t, pt, []mapping{
		{0x200000, pteSize, 0x1000, readOnly},
		{0x201000, pteSize, 0x2000, readOnly},
	})
}

func TestWritableExecutable(t *testing.T) {
	pt := newTestTables(t)
	_, err := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.AnyAccess}, 0)
	if !errors.Is(err, ErrWritableExecutable) {
		t.Errorf("Map(rwx) error = %v, want %v", err, ErrWritableExecutable)
	}
	checkMappings(t, pt, nil)
}

func TestNonCanonical(t *testing.T) {
	pt := newTestTables(t)
	for _, addr := range []uint64{0x00007ffffffff000, 0x0000800000000000} {
		if _, err := pt.Map(hostarch.Addr(addr), 2*pteSize, readOnly, 0); !errors.Is(err, ErrNonCanonical) {
			t.Errorf("Map(%#x) error = %v, want %v", addr, err, ErrNonCanonical)
		}
	}
}

func TestLookup(t *testing.T) {
	pt := newTestTables(t)
	mustMap(t, pt, 0x00007f0000000000, pmdSize, readOnly, pmdSize*3)
	mustMap(t, pt, 0x400000, pteSize, readWrite, 0x9000)

	for _, tc := range []struct {
		addr   uint64
		want   uint64
		opts   MapOpts
		mapped bool
	}{
		{0x400123, 0x9123, readWrite, true},
		{0x00007f0000012345, pmdSize*3 + 0x12345, readOnly, true},
		{0x401000, 0, MapOpts{}, false},
		{0x0000900000000000, 0, MapOpts{}, false},
	} {
		phys, opts, ok := pt.Lookup(hostarch.Addr(tc.addr))
		if ok != tc.mapped || phys != tc.want || opts != tc.opts {
			t.Errorf("Lookup(%#x) = %#x, %v, %t; want %#x, %v, %t", tc.addr, phys, opts, ok, tc.want, tc.opts, tc.mapped)
		}
	}
}

func TestRecursive(t *testing.T) {
	pt := newTestTables(t)
	mustMap(t, pt, 0x400000, pteSize, readWrite, 0x9000)

	if err := pt.SetRecursive(0); !errors.Is(err, ErrRecursiveSlot) {
		t.Errorf("SetRecursive(0) error = %v, want %v", err, ErrRecursiveSlot)
	}
	if err := pt.SetRecursive(510); err != nil {
		t.Fatalf("SetRecursive(510): %v", err)
	}
	if _, err := pt.Map(AddrOfIndex(510), pteSize, readOnly, 0); !errors.Is(err, ErrRecursiveSlot) {
		t.Errorf("Map into recursive slot error = %v, want %v", err, ErrRecursiveSlot)
	}

	mem := physmem.NewSparse(64 << 20)
	n, err := pt.Commit(mem)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, want := n, pt.Allocator.(*FrameAllocator).Tables(); got != want {
		t.Errorf("Commit wrote %d tables, allocator has %d", got, want)
	}

	// Through the self-map, the root table appears at a fixed address.
	idx := uint64(510)
	self := uint64(AddrOfIndex(510)) | idx<<pudShift | idx<<pmdShift | idx<<pteShift
	phys, _, ok, err := Translate(mem, pt.CR3(), self)
	if err != nil || !ok || phys != pt.CR3() {
		t.Errorf("Translate(self) = %#x, %t, %v; want %#x", phys, ok, err, pt.CR3())
	}

	// Ordinary mappings translate from the committed tables.
	phys, opts, ok, err := Translate(mem, pt.CR3(), 0x400010)
	if err != nil || !ok || phys != 0x9010 || opts != readWrite {
		t.Errorf("Translate(0x400010) = %#x, %v, %t, %v", phys, opts, ok, err)
	}
}

func TestOutOfFrames(t *testing.T) {
	m := memmap.Map{{Base: 0x100000, Length: 2 * pteSize, Type: memmap.Usable}}
	pt, err := New(NewFrameAllocator(frame.New(m, frame.Options{})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Root plus one table fit; the remaining levels do not.
	if _, err := pt.Map(0x400000, pteSize, readOnly, 0); !errors.Is(err, frame.ErrOutOfMemory) {
		t.Errorf("Map error = %v, want %v", err, frame.ErrOutOfMemory)
	}
}
