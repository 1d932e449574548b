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
	"encoding/binary"
	"fmt"

	bin "springboard.dev/springboard/pkg/binary"
)

const (
	// recordMagic is "SBCF" in little-endian order.
	recordMagic   = 0x46434253
	recordVersion = 1
)

// Bits in record.Present.
const (
	hasKernelBase = 1 << iota
	hasStackBase
	hasBootInfoBase
	hasFramebufferBase
	hasDynamicRangeStart
	hasDynamicRangeEnd
)

// record is the fixed-layout encoding of a Config. The kernel arguments
// follow it.
type record struct {
	Magic           uint32
	Version         uint32
	PhysMode        uint8
	RecursiveMode   uint8
	FBEnabled       bool
	_               uint8
	RecursiveIndex  uint16
	_               [2]uint8
	PhysAddress     uint64
	FBMinWidth      uint32
	FBMinHeight     uint32
	KernelStackSize uint64
	Present         uint32
	ArgsLen         uint32
	Fixed           [6]uint64
}

func (c *Config) optional() []**Address {
	return []**Address{
		&c.Mappings.KernelBase,
		&c.Mappings.StackBase,
		&c.Mappings.BootInfoBase,
		&c.Mappings.FramebufferBase,
		&c.Mappings.DynamicRangeStart,
		&c.Mappings.DynamicRangeEnd,
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c *Config) MarshalBinary() ([]byte, error) {
	r := record{
		Magic:           recordMagic,
		Version:         recordVersion,
		PhysMode:        uint8(c.PhysicalMemoryMapping.Mode),
		RecursiveMode:   uint8(c.RecursiveIndex.Mode),
		FBEnabled:       c.Framebuffer.Enabled,
		RecursiveIndex:  c.RecursiveIndex.Index,
		PhysAddress:     uint64(c.PhysicalMemoryMapping.Address),
		FBMinWidth:      c.Framebuffer.MinWidth,
		FBMinHeight:     c.Framebuffer.MinHeight,
		KernelStackSize: c.KernelStackSize,
		ArgsLen:         uint32(len(c.KernelArgs)),
	}
	for i, p := range c.optional() {
		if *p != nil {
			r.Present |= 1 << i
			r.Fixed[i] = uint64(**p)
		}
	}
	buf := bin.Marshal(nil, binary.LittleEndian, &r)
	return append(buf, c.KernelArgs...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Config) UnmarshalBinary(data []byte) error {
	var r record
	if err := bin.Decode(data, binary.LittleEndian, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if r.Magic != recordMagic {
		return invalid("bad magic %#x", r.Magic)
	}
	if r.Version != recordVersion {
		return invalid("unsupported version %d", r.Version)
	}
	args := data[bin.Size(&r):]
	if uint64(len(args)) < uint64(r.ArgsLen) {
		return invalid("truncated kernel arguments")
	}
	*c = Config{
		PhysicalMemoryMapping: PhysicalMemoryMapping{Mode: Mode(r.PhysMode), Address: Address(r.PhysAddress)},
		RecursiveIndex:        RecursiveIndex{Mode: Mode(r.RecursiveMode), Index: r.RecursiveIndex},
		Framebuffer:           Framebuffer{Enabled: r.FBEnabled, MinWidth: r.FBMinWidth, MinHeight: r.FBMinHeight},
		KernelStackSize:       r.KernelStackSize,
		KernelArgs:            string(args[:r.ArgsLen]),
	}
	for i, p := range c.optional() {
		if r.Present&(1<<i) != 0 {
			a := Address(r.Fixed[i])
			*p = &a
		}
	}
	return nil
}
