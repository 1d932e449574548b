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

package frame

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/memmap"
)

func TestAllocAscending(t *testing.T) {
	m := memmap.Map{
		{Base: 0, Length: 0x9f000, Type: memmap.Usable},
		{Base: 0x9f000, Length: 0x61000, Type: memmap.Reserved},
		{Base: 0x100000, Length: 0x3000, Type: memmap.Usable},
		{Base: 0x200000, Length: 0x2000, Type: memmap.Usable},
	}
	a := New(m, Options{})

	var got []uint64
	for {
		f, err := a.AllocFrame()
		if errors.Is(err, ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		got = append(got, f.Address())
	}
	want := []uint64{0x100000, 0x101000, 0x102000, 0x200000, 0x201000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if a.Allocated() != 5 || a.Remaining() != 0 {
		t.Errorf("Allocated() = %d, Remaining() = %d", a.Allocated(), a.Remaining())
	}
}

func TestSkipsReserved(t *testing.T) {
	m := memmap.Map{{Base: 0, Length: 0x1000000, Type: memmap.Usable}}
	a := New(m, Options{
		Reserved: []hostarch.AddrRange{
			{Start: 0x100800, End: 0x102000}, // Rounded out to a page.
			{Start: 0x101000, End: 0x104000},
		},
	})
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if got, want := f.Address(), uint64(0x104000); got != want {
		t.Errorf("first frame = %#x, want %#x", got, want)
	}
	if got, want := a.Remaining(), uint64(0x1000000-0x105000); got != want {
		t.Errorf("Remaining() = %#x, want %#x", got, want)
	}
}

func TestContiguous(t *testing.T) {
	m := memmap.Map{
		{Base: 0x100000, Length: 0x2000, Type: memmap.Usable},
		{Base: 0x300000, Length: 0x10000, Type: memmap.Usable},
	}
	a := New(m, Options{})
	f, err := a.AllocContiguous(4)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	if got, want := f.Address(), uint64(0x300000); got != want {
		t.Errorf("AllocContiguous(4) = %#x, want %#x", got, want)
	}
	if _, err := a.AllocContiguous(16); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("AllocContiguous(16) error = %v, want %v", err, ErrOutOfMemory)
	}
	want := []hostarch.AddrRange{{Start: 0x300000, End: 0x304000}}
	if diff := cmp.Diff(want, a.Claimed()); diff != "" {
		t.Errorf("Claimed() mismatch (-want +got):\n%s", diff)
	}
	if !a.IsClaimed(FrameOf(0x303000)) || a.IsClaimed(FrameOf(0x304000)) {
		t.Errorf("IsClaimed mismatch")
	}
}

func TestFloor(t *testing.T) {
	m := memmap.Map{{Base: 0, Length: 0x100000, Type: memmap.Usable}}
	if _, err := New(m, Options{}).AllocFrame(); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("allocation below default floor: %v", err)
	}
	f, err := New(m, Options{Floor: 0x8000}).AllocFrame()
	if err != nil || f.Address() != 0x8000 {
		t.Errorf("AllocFrame() = %#x, %v; want 0x8000", f.Address(), err)
	}
}
