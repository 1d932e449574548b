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

package bootinfo

import (
	"fmt"
	"sort"

	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/mm"
	"springboard.dev/springboard/pkg/physmem"
)

// ErrInconsistentMemoryMap is returned when the firmware map cannot be
// partitioned.
var ErrInconsistentMemoryMap = memmap.ErrInconsistentMemoryMap

// BuildInput is everything the boot information is assembled from.
type BuildInput struct {
	Config *bootconfig.Config
	Layout *mm.Layout

	// Map is the firmware memory map, as reported.
	Map []memmap.Region

	// Loader are the physical ranges of the loader.
	Loader []hostarch.AddrRange

	// Claimed are the frames allocated while building the address space.
	Claimed []hostarch.AddrRange

	// Ramdisk is the physical ramdisk range, if any.
	Ramdisk hostarch.AddrRange

	// Framebuffer is the firmware framebuffer with its physical address,
	// if any.
	Framebuffer *Framebuffer

	// RSDPAddr is the physical address of the ACPI RSDP, if found.
	RSDPAddr *uint64
}

// carve is a piece of usable memory handed to the kernel with another kind.
type carve struct {
	hostarch.AddrRange
	kind Kind
}

func firmwareKind(t memmap.Type) Kind {
	switch t {
	case memmap.Usable:
		return KindUsable
	case memmap.Reserved:
		return KindReserved
	case memmap.ACPIReclaimable:
		return KindACPIReclaimable
	case memmap.ACPINVS:
		return KindACPINVS
	case memmap.Bad:
		return KindBad
	default:
		return KindUnknownFirmware
	}
}

// Partition returns regions covering [0, end of the firmware map) with no
// gaps and no overlaps. Gaps in the firmware map are reserved. Usable memory
// overlapped by the kernel is KindKernel and usable memory overlapped by
// the loader, claimed frames or the ramdisk is KindBootloader.
func Partition(raw []memmap.Region, kernel hostarch.AddrRange, bootloader []hostarch.AddrRange) ([]Region, error) {
	m, err := memmap.Normalize(raw)
	if err != nil {
		log.Warningf("Firmware memory map is inconsistent: %v", err)
		return nil, err
	}

	var carves []carve
	if kernel.Length() > 0 {
		carves = append(carves, carve{kernel, KindKernel})
	}
	for _, r := range bootloader {
		if r.Length() > 0 {
			carves = append(carves, carve{r, KindBootloader})
		}
	}
	// Kernel first on ties, so it wins overlaps.
	sort.SliceStable(carves, func(i, j int) bool {
		return carves[i].Start < carves[j].Start
	})

	var out []Region
	emit := func(start, end uint64, kind Kind, fw uint32) {
		if start >= end {
			return
		}
		if n := len(out); n > 0 && out[n-1].End == start && out[n-1].Kind == kind && out[n-1].FirmwareType == fw {
			out[n-1].End = end
			return
		}
		out = append(out, Region{Start: start, End: end, Kind: kind, FirmwareType: fw})
	}

	var cursor uint64
	for _, r := range m {
		emit(cursor, r.Base, KindReserved, 0)
		cursor = r.End()
		if r.Type != memmap.Usable {
			emit(r.Base, r.End(), firmwareKind(r.Type), uint32(r.Type))
			continue
		}
		pos := r.Base
		for _, c := range carves {
			start := max(uint64(c.Start), pos)
			end := min(uint64(c.End), r.End())
			if start >= end {
				continue
			}
			emit(pos, start, KindUsable, uint32(r.Type))
			emit(start, end, c.kind, uint32(r.Type))
			pos = end
		}
		emit(pos, r.End(), KindUsable, uint32(r.Type))
	}
	if err := CheckPartition(out, m.MaxPhysicalAddress()); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckPartition verifies that regions cover [0, end) in ascending order
// with no gaps and no overlaps.
func CheckPartition(regions []Region, end uint64) error {
	var cursor uint64
	for _, r := range regions {
		if r.Start != cursor {
			return fmt.Errorf("%w: region %v does not start at %#x", ErrInconsistentMemoryMap, r, cursor)
		}
		if r.End <= r.Start {
			return fmt.Errorf("%w: empty region %v", ErrInconsistentMemoryMap, r)
		}
		cursor = r.End
	}
	if cursor != end {
		return fmt.Errorf("%w: regions end at %#x, want %#x", ErrInconsistentMemoryMap, cursor, end)
	}
	return nil
}

// span returns the smallest range covering rs.
func span(rs []hostarch.AddrRange) hostarch.AddrRange {
	var s hostarch.AddrRange
	for i, r := range rs {
		if i == 0 {
			s = r
			continue
		}
		s.Start = min(s.Start, r.Start)
		s.End = max(s.End, r.End)
	}
	return s
}

// Build assembles the boot information.
func Build(in BuildInput) (*Info, error) {
	l := in.Layout
	bootloader := append([]hostarch.AddrRange{}, in.Loader...)
	bootloader = append(bootloader, in.Claimed...)
	bootloader = append(bootloader, in.Ramdisk)
	regions, err := Partition(in.Map, l.KernelPhys, bootloader)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Regions:           regions,
		RSDPAddr:          in.RSDPAddr,
		KernelAddr:        uint64(l.KernelPhys.Start),
		KernelLen:         l.KernelPhys.Length(),
		KernelImageOffset: l.KernelBias,
		Loader:            span(in.Loader),
		Stack:             l.Stack,
		KernelArgs:        in.Config.KernelArgs,
	}
	if fb := in.Framebuffer; fb != nil && l.Framebuffer != 0 {
		v := *fb
		v.Addr = uint64(l.Framebuffer)
		info.Framebuffer = &v
	}
	if l.PhysicalWindow.Length() > 0 {
		off := uint64(l.PhysicalWindow.Start)
		info.PhysicalMemoryOffset = &off
	}
	if l.RecursiveIndex >= 0 {
		idx := uint16(l.RecursiveIndex)
		info.RecursiveIndex = &idx
	}
	if t := l.TLS; t != nil {
		info.TLS = &TLSTemplate{StartAddr: uint64(t.VirtAddr), FileSize: t.FileSize, MemSize: t.MemSize}
	}
	if in.Ramdisk.Length() > 0 {
		info.Ramdisk = &Ramdisk{Addr: uint64(in.Ramdisk.Start), Len: in.Ramdisk.Length()}
	}
	return info, nil
}

// MaxRegions bounds the number of regions Build can produce for a firmware
// map of mapLen entries and the given number of carved ranges.
func MaxRegions(mapLen, carves int) int {
	// Every firmware entry may be preceded by a gap, and every carve can
	// split one usable region into three.
	return 2*mapLen + 2*carves + 1
}

// Write encodes info at the layout's boot information address and stores
// it in the backing frames.
func Write(mem physmem.Memory, l *mm.Layout, info *Info) error {
	buf := Encode(info, l.BootInfo.Start)
	if uint64(len(buf)) > l.BootInfo.Length() {
		return fmt.Errorf("boot information is %d bytes, only %d reserved", len(buf), l.BootInfo.Length())
	}
	if _, err := mem.WriteAt(buf, int64(l.BootInfoPhys)); err != nil {
		return fmt.Errorf("writing boot information: %w", err)
	}
	log.Infof("Boot information: %d regions, %d bytes at %v", len(info.Regions), len(buf), l.BootInfo.Start)
	return nil
}
