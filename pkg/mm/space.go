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
	"fmt"

	"github.com/google/btree"
	"springboard.dev/springboard/pkg/hostarch"
)

// reservation is a claimed virtual range.
type reservation struct {
	hostarch.AddrRange
	name string
}

func (r reservation) String() string {
	return fmt.Sprintf("%s %v", r.name, r.AddrRange)
}

// space tracks reserved virtual address ranges. Reservations never
// overlap.
type space struct {
	tree *btree.BTreeG[reservation]
}

func newSpace() *space {
	s := &space{
		tree: btree.NewG(4, func(a, b reservation) bool {
			return a.Start < b.Start
		}),
	}
	// The non-canonical hole can never be mapped.
	s.tree.ReplaceOrInsert(reservation{
		AddrRange: hostarch.AddrRange{Start: hostarch.LowerTop + 1, End: hostarch.UpperBottom},
		name:      "non-canonical hole",
	})
	return s
}

// conflict returns the reservation overlapping r, if any.
func (s *space) conflict(r hostarch.AddrRange) (reservation, bool) {
	var (
		found reservation
		ok    bool
	)
	// Only the last reservation starting before r.End can overlap.
	s.tree.DescendLessOrEqual(reservation{AddrRange: hostarch.AddrRange{Start: r.End - 1}}, func(item reservation) bool {
		if item.Overlaps(r) {
			found, ok = item, true
		}
		return false
	})
	return found, ok
}

// reserve claims r. It fails if r overlaps an existing reservation.
func (s *space) reserve(name string, r hostarch.AddrRange) error {
	if r.Length() == 0 {
		return nil
	}
	if other, ok := s.conflict(r); ok {
		return fmt.Errorf("%w: %s %v collides with %v", ErrInvalidConfiguration, name, r, other)
	}
	s.tree.ReplaceOrInsert(reservation{AddrRange: r, name: name})
	return nil
}

// findFree returns the lowest address in window, aligned to align, at which
// length bytes are unreserved.
func (s *space) findFree(window hostarch.AddrRange, length, align uint64) (hostarch.Addr, error) {
	fail := fmt.Errorf("%w: no %#x byte range aligned to %#x in %v", ErrInsufficientAddressSpace, length, align, window)
	if length == 0 {
		return 0, fail
	}
	c, ok := hostarch.AlignUp(uint64(window.Start), align)
	if !ok {
		return 0, fail
	}
	candidate := hostarch.Addr(c)
	overflow := false
	s.tree.Ascend(func(item reservation) bool {
		if item.End <= candidate {
			return true
		}
		end, ok := candidate.AddLength(length)
		if !ok || end <= item.Start {
			overflow = !ok
			return false
		}
		next, ok := hostarch.AlignUp(uint64(item.End), align)
		if !ok {
			overflow = true
			return false
		}
		candidate = hostarch.Addr(next)
		return true
	})
	if overflow {
		return 0, fail
	}
	end, ok := candidate.AddLength(length)
	if !ok || end > window.End {
		return 0, fail
	}
	return candidate, nil
}

// each calls fn on every reservation in ascending order.
func (s *space) each(fn func(name string, r hostarch.AddrRange)) {
	s.tree.Ascend(func(item reservation) bool {
		fn(item.name, item.AddrRange)
		return true
	})
}
