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

// Package bootconfig defines the boot configuration.
//
// A Config is decoded once at build time, validated, and embedded in the
// disk image in its binary form. At boot time the loader decodes it and
// threads it explicitly through the memory manager and the boot
// information builder. A Config is never modified after it is decoded.
package bootconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohae/deepcopy"
	"springboard.dev/springboard/pkg/hostarch"
)

// ErrInvalidConfiguration is returned for configurations that can never boot.
var ErrInvalidConfiguration = errors.New("invalid configuration")

const (
	// DefaultKernelStackSize is the kernel stack size when none is given.
	DefaultKernelStackSize = 80 << 10

	// DefaultDynamicRangeStart is the lowest address considered for dynamic
	// placement: the start of the second level-4 slot. The first slot holds
	// the identity mappings of the loader.
	DefaultDynamicRangeStart = 512 << 30

	// DefaultDynamicRangeEnd is the exclusive end of the dynamic placement
	// window: the last page of the canonical address space.
	DefaultDynamicRangeEnd = 0xfffffffffffff000

	// MaxKernelArgs is the maximum length of the kernel command line.
	MaxKernelArgs = 4096
)

// Mode selects how an optional mapping is placed.
type Mode uint8

// Modes.
const (
	ModeNone Mode = iota
	ModeFixed
	ModeDynamic
)

var modeNames = map[Mode]string{
	ModeNone:    "none",
	ModeFixed:   "fixed",
	ModeDynamic: "dynamic",
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	s, ok := modeNames[m]
	if !ok {
		return nil, fmt.Errorf("unknown mode %d", m)
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	for k, v := range modeNames {
		if strings.EqualFold(v, string(b)) {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// Address is a virtual address. It decodes from integers and from strings
// in any base strconv understands, so upper-half addresses can be written
// as "0xffffffff80000000".
type Address uint64

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(a))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(string(b), "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", b, err)
	}
	*a = Address(v)
	return nil
}

// Addr returns the address as a hostarch.Addr.
func (a Address) Addr() hostarch.Addr {
	return hostarch.Addr(a)
}

// PhysicalMemoryMapping configures the window mapping all physical memory.
type PhysicalMemoryMapping struct {
	Mode    Mode    `toml:"mode" yaml:"mode"`
	Address Address `toml:"address" yaml:"address"`
}

// RecursiveIndex configures the recursive level-4 entry.
type RecursiveIndex struct {
	Mode  Mode   `toml:"mode" yaml:"mode"`
	Index uint16 `toml:"index" yaml:"index"`
}

// Framebuffer configures the framebuffer request.
type Framebuffer struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	MinWidth  uint32 `toml:"min_width" yaml:"min_width"`
	MinHeight uint32 `toml:"min_height" yaml:"min_height"`
}

// Mappings holds optional fixed virtual addresses. A nil field is placed
// dynamically.
type Mappings struct {
	KernelBase        *Address `toml:"kernel_base" yaml:"kernel_base"`
	StackBase         *Address `toml:"stack_base" yaml:"stack_base"`
	BootInfoBase      *Address `toml:"boot_info_base" yaml:"boot_info_base"`
	FramebufferBase   *Address `toml:"framebuffer_base" yaml:"framebuffer_base"`
	DynamicRangeStart *Address `toml:"dynamic_range_start" yaml:"dynamic_range_start"`
	DynamicRangeEnd   *Address `toml:"dynamic_range_end" yaml:"dynamic_range_end"`
}

// Config is the boot configuration.
type Config struct {
	PhysicalMemoryMapping PhysicalMemoryMapping `toml:"physical_memory_mapping" yaml:"physical_memory_mapping"`
	RecursiveIndex        RecursiveIndex        `toml:"recursive_index" yaml:"recursive_index"`
	Framebuffer           Framebuffer           `toml:"framebuffer" yaml:"framebuffer"`
	KernelStackSize       uint64                `toml:"kernel_stack_size" yaml:"kernel_stack_size"`
	Mappings              Mappings              `toml:"mappings" yaml:"mappings"`
	KernelArgs            string                `toml:"kernel_args" yaml:"kernel_args"`
}

// Default returns the default configuration: no physical memory window,
// no recursive entry, no framebuffer and a default-sized stack.
func Default() *Config {
	return &Config{KernelStackSize: DefaultKernelStackSize}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// StackSize returns the kernel stack size rounded up to whole pages.
func (c *Config) StackSize() uint64 {
	return hostarch.PagesFor(c.KernelStackSize) * hostarch.PageSize
}

// DynamicRange returns the window used for dynamic placement.
func (c *Config) DynamicRange() hostarch.AddrRange {
	r := hostarch.AddrRange{Start: DefaultDynamicRangeStart, End: DefaultDynamicRangeEnd}
	if a := c.Mappings.DynamicRangeStart; a != nil {
		r.Start = a.Addr()
	}
	if a := c.Mappings.DynamicRangeEnd; a != nil {
		r.End = a.Addr()
	}
	return r
}
