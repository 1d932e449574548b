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

// Package memmap models the firmware-reported physical memory map.
//
// Entries follow the BIOS E820 convention: a base, a length and a type. The
// map is authoritative; the loader only normalizes it and rejects overlaps.
package memmap

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"springboard.dev/springboard/pkg/hostarch"
)

// ErrInconsistentMemoryMap is returned when regions overlap or firmware
// reports a zero-length usable region.
var ErrInconsistentMemoryMap = errors.New("inconsistent memory map")

// Type is an E820 region type.
type Type uint32

// E820 region types.
const (
	Usable          Type = 1
	Reserved        Type = 2
	ACPIReclaimable Type = 3
	ACPINVS         Type = 4
	Bad             Type = 5
)

var typeNames = map[Type]string{
	Usable:          "usable",
	Reserved:        "reserved",
	ACPIReclaimable: "acpi-reclaimable",
	ACPINVS:         "acpi-nvs",
	Bad:             "bad",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type-%d", uint32(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if s, ok := typeNames[t]; ok {
		return []byte(s), nil
	}
	return []byte(strconv.FormatUint(uint64(t), 10)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown firmware types
// may be given numerically.
func (t *Type) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range typeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("unknown memory type %q", s)
	}
	*t = Type(n)
	return nil
}

// Region is a single firmware memory map entry.
type Region struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Length uint64 `toml:"length" yaml:"length"`
	Type   Type   `toml:"type" yaml:"type"`
}

// End returns the exclusive end of the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Range returns the region as an address range.
func (r Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Base), End: hostarch.Addr(r.End())}
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", r.Base, r.End(), r.Type)
}

// Map is a normalized memory map: sorted, non-overlapping, with adjacent
// regions of the same type merged.
type Map []Region

// Normalize validates and normalizes raw firmware entries.
//
// Zero-length entries that are not usable are dropped. A zero-length usable
// entry, an entry that wraps the address space, or any overlap returns
// ErrInconsistentMemoryMap.
func Normalize(raw []Region) (Map, error) {
	regions := make([]Region, 0, len(raw))
	for _, r := range raw {
		if r.Length == 0 {
			if r.Type == Usable {
				return nil, fmt.Errorf("%w: zero-length usable region at %#x", ErrInconsistentMemoryMap, r.Base)
			}
			continue
		}
		if r.End() < r.Base {
			return nil, fmt.Errorf("%w: region %#x+%#x wraps", ErrInconsistentMemoryMap, r.Base, r.Length)
		}
		regions = append(regions, r)
	}
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Base < regions[j].Base
	})

	var m Map
	for _, r := range regions {
		if n := len(m); n > 0 {
			last := &m[n-1]
			if r.Base < last.End() {
				return nil, fmt.Errorf("%w: %v overlaps %v", ErrInconsistentMemoryMap, r, *last)
			}
			if r.Base == last.End() && r.Type == last.Type {
				last.Length += r.Length
				continue
			}
		}
		m = append(m, r)
	}
	return m, nil
}

// MaxPhysicalAddress returns the exclusive end of the highest region.
func (m Map) MaxPhysicalAddress() uint64 {
	var max uint64
	for _, r := range m {
		if e := r.End(); e > max {
			max = e
		}
	}
	return max
}

// UsableBytes returns the total length of usable regions.
func (m Map) UsableBytes() uint64 {
	var n uint64
	for _, r := range m {
		if r.Type == Usable {
			n += r.Length
		}
	}
	return n
}

// Default returns the conventional PC memory map for a machine with memSize
// bytes of RAM starting at physical address zero: conventional memory up to
// the EBDA, the legacy video and BIOS hole, then the rest of RAM above 1 MiB.
func Default(memSize uint64) Map {
	const (
		isaMemEnd  = 0x0009f000
		biosEnd    = 0x00100000
		lowRAMTail = 0x1000
	)
	memEnd := hostarch.AlignDown(memSize, uint64(hostarch.PageSize))
	if memEnd <= lowRAMTail {
		return nil
	}
	var m Map
	lowEnd := min(memEnd, isaMemEnd)
	m = append(m, Region{Base: 0, Length: lowEnd, Type: Usable})
	if memEnd > isaMemEnd {
		m = append(m, Region{Base: isaMemEnd, Length: min(memEnd, biosEnd) - isaMemEnd, Type: Reserved})
	}
	if memEnd > biosEnd {
		m = append(m, Region{Base: biosEnd, Length: memEnd - biosEnd, Type: Usable})
	}
	return m
}
