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

package mm

import (
	"errors"
	"testing"

	"springboard.dev/springboard/pkg/hostarch"
)

func ar(start, end uint64) hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}
}

func TestSpaceReserve(t *testing.T) {
	s := newSpace()
	if err := s.reserve("a", ar(0x1000, 0x3000)); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	for _, r := range []hostarch.AddrRange{ar(0x2000, 0x4000), ar(0, 0x2000), ar(0x1000, 0x3000), ar(0x800000000000, 0x800000001000)} {
		if err := s.reserve("b", r); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("reserve(%v) = %v, want %v", r, err, ErrInvalidConfiguration)
		}
	}
	if err := s.reserve("c", ar(0x3000, 0x4000)); err != nil {
		t.Errorf("reserve adjacent range failed: %v", err)
	}
}

func TestSpaceFindFree(t *testing.T) {
	s := newSpace()
	for _, r := range []hostarch.AddrRange{ar(0x10000, 0x12000), ar(0x13000, 0x20000)} {
		if err := s.reserve("x", r); err != nil {
			t.Fatal(err)
		}
	}
	for _, tc := range []struct {
		name   string
		window hostarch.AddrRange
		length uint64
		align  uint64
		want   uint64
	}{
		{"before", ar(0x1000, 0x100000), 0x1000, 0x1000, 0x1000},
		{"in hole", ar(0x10000, 0x100000), 0x1000, 0x1000, 0x12000},
		{"too large for hole", ar(0x10000, 0x100000), 0x2000, 0x1000, 0x20000},
		{"aligned", ar(0x10000, 0x100000), 0x1000, 0x10000, 0x20000},
		{"across the hole", ar(0x7fffffff0000, 0xffff800000100000), 0x20000, 0x1000, 0xffff800000000000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.findFree(tc.window, tc.length, tc.align)
			if err != nil {
				t.Fatalf("findFree failed: %v", err)
			}
			if uint64(got) != tc.want {
				t.Errorf("findFree = %v, want %#x", got, tc.want)
			}
		})
	}

	if _, err := s.findFree(ar(0x10000, 0x20000), 0x2000, 0x1000); !errors.Is(err, ErrInsufficientAddressSpace) {
		t.Errorf("findFree(full window) = %v, want %v", err, ErrInsufficientAddressSpace)
	}
}
