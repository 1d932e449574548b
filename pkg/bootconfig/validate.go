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

package bootconfig

import (
	"fmt"

	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/hostarch"
)

// GuardSize is the size of each unmapped guard region around the stack.
const GuardSize = hostarch.PageSize

// recursiveSlotSize is the virtual span covered by one level-4 entry.
const recursiveSlotSize = 512 << 30

// Extent is a virtual range claimed by a fixed address.
type Extent struct {
	Name  string
	Range hostarch.AddrRange
}

func (e Extent) String() string {
	return fmt.Sprintf("%s %v", e.Name, e.Range)
}

func invalid(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, v...))
}

func checkAddress(name string, a Address) error {
	if !a.Addr().IsPageAligned() {
		return invalid("%s %#x is not page aligned", name, uint64(a))
	}
	if !a.Addr().IsCanonical() {
		return invalid("%s %#x is not canonical", name, uint64(a))
	}
	return nil
}

// extent returns the range [start, start+length) or an error if it wraps or
// leaves its canonical half.
func extent(name string, start hostarch.Addr, length uint64) (Extent, error) {
	end, ok := start.AddLength(length)
	if !ok || !start.IsCanonical() || !(end - 1).IsCanonical() || (start < hostarch.UpperBottom) != (end-1 < hostarch.UpperBottom) {
		return Extent{}, invalid("%s [%v, +%#x) does not fit in the canonical address space", name, start, length)
	}
	return Extent{Name: name, Range: hostarch.AddrRange{Start: start, End: end}}, nil
}

// FixedExtents returns the virtual ranges claimed by fixed addresses other
// than the kernel. Mappings whose size is only known at boot (framebuffer,
// physical memory window) claim their first page.
func (c *Config) FixedExtents() ([]Extent, error) {
	var out []Extent
	add := func(name string, start hostarch.Addr, length uint64) error {
		e, err := extent(name, start, length)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}
	if a := c.Mappings.StackBase; a != nil {
		if a.Addr() < GuardSize {
			return nil, invalid("stack_base %#x leaves no room for a guard page", uint64(*a))
		}
		if err := add("kernel stack", a.Addr()-GuardSize, c.StackSize()+2*GuardSize); err != nil {
			return nil, err
		}
	}
	if a := c.Mappings.BootInfoBase; a != nil {
		if err := add("boot info", a.Addr(), hostarch.PageSize); err != nil {
			return nil, err
		}
	}
	if a := c.Mappings.FramebufferBase; a != nil && c.Framebuffer.Enabled {
		if err := add("framebuffer", a.Addr(), hostarch.PageSize); err != nil {
			return nil, err
		}
	}
	if m := c.PhysicalMemoryMapping; m.Mode == ModeFixed {
		if err := add("physical memory window", m.Address.Addr(), hostarch.PageSize); err != nil {
			return nil, err
		}
	}
	if r := c.RecursiveIndex; r.Mode == ModeFixed {
		if err := add("recursive slot", recursiveSlotAddr(int(r.Index)), recursiveSlotSize); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func recursiveSlotAddr(index int) hostarch.Addr {
	a := hostarch.Addr(uint64(index) << 39)
	if index >= 256 {
		a |= hostarch.UpperBottom
	}
	return a
}

// Validate checks c in isolation.
func (c *Config) Validate() error {
	if c.KernelStackSize == 0 {
		return invalid("kernel_stack_size must be positive")
	}
	if len(c.KernelArgs) > MaxKernelArgs {
		return invalid("kernel_args is %d bytes, limit is %d", len(c.KernelArgs), MaxKernelArgs)
	}
	for _, m := range []Mode{c.PhysicalMemoryMapping.Mode, c.RecursiveIndex.Mode} {
		if _, ok := modeNames[m]; !ok {
			return invalid("unknown mode %d", m)
		}
	}
	if c.PhysicalMemoryMapping.Mode == ModeFixed {
		if err := checkAddress("physical_memory_mapping.address", c.PhysicalMemoryMapping.Address); err != nil {
			return err
		}
	}
	if r := c.RecursiveIndex; r.Mode == ModeFixed {
		if r.Index >= 512 {
			return invalid("recursive_index.index %d out of range", r.Index)
		}
		if r.Index == 0 {
			return invalid("recursive_index.index 0 holds the loader identity mapping")
		}
	}
	for _, f := range []struct {
		name string
		a    *Address
	}{
		{"mappings.kernel_base", c.Mappings.KernelBase},
		{"mappings.stack_base", c.Mappings.StackBase},
		{"mappings.boot_info_base", c.Mappings.BootInfoBase},
		{"mappings.framebuffer_base", c.Mappings.FramebufferBase},
		{"mappings.dynamic_range_start", c.Mappings.DynamicRangeStart},
		{"mappings.dynamic_range_end", c.Mappings.DynamicRangeEnd},
	} {
		if f.a == nil {
			continue
		}
		if err := checkAddress(f.name, *f.a); err != nil {
			return err
		}
	}
	if r := c.DynamicRange(); r.Start >= r.End {
		return invalid("empty dynamic range %v", r)
	}

	extents, err := c.FixedExtents()
	if err != nil {
		return err
	}
	if a := c.Mappings.KernelBase; a != nil {
		extents = append(extents, Extent{Name: "kernel", Range: hostarch.AddrRange{Start: a.Addr(), End: a.Addr() + hostarch.PageSize}})
	}
	for i := range extents {
		for j := i + 1; j < len(extents); j++ {
			if extents[i].Range.Overlaps(extents[j].Range) {
				return invalid("%v overlaps %v", extents[i], extents[j])
			}
		}
	}
	return nil
}

// KernelRanges returns the virtual ranges the kernel occupies under c, or
// nil if they are only known at boot.
func (c *Config) KernelRanges(img *elfload.Image) ([]hostarch.AddrRange, error) {
	span, ok := img.Span()
	if !ok {
		return nil, invalid("kernel has no loadable data")
	}
	base := c.Mappings.KernelBase
	if !img.PositionIndependent() {
		if base != nil && base.Addr() != span.Start {
			return nil, invalid("kernel_base %#x set for a kernel linked at %v", uint64(*base), span.Start)
		}
		return img.VirtualRanges(0), nil
	}
	if base == nil {
		return nil, nil
	}
	if uint64(*base)%img.MaxAlign() != 0 {
		return nil, invalid("kernel_base %#x not aligned to %#x", uint64(*base), img.MaxAlign())
	}
	if _, err := extent("kernel", base.Addr(), span.Length()); err != nil {
		return nil, err
	}
	return img.VirtualRanges(uint64(base.Addr() - span.Start)), nil
}

// ValidateForKernel checks c against the kernel it will boot. Fixed
// addresses overlapping a kernel segment are rejected here so that the
// collision is never observed at boot.
func (c *Config) ValidateForKernel(img *elfload.Image) error {
	if err := c.Validate(); err != nil {
		return err
	}
	kernel, err := c.KernelRanges(img)
	if err != nil {
		return err
	}
	extents, err := c.FixedExtents()
	if err != nil {
		return err
	}
	for _, k := range kernel {
		for _, e := range extents {
			if k.Overlaps(e.Range) {
				return invalid("%v overlaps kernel segment %v", e, k)
			}
		}
	}
	return nil
}
