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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/mm"
	"springboard.dev/springboard/pkg/physmem"
)

func ar(start, end uint64) hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}
}

func TestPartition(t *testing.T) {
	raw := []memmap.Region{
		{Base: 0x100000, Length: 0x7f00000, Type: memmap.Usable},
		{Base: 0, Length: 0x9f000, Type: memmap.Usable},
		{Base: 0xf0000, Length: 0x10000, Type: memmap.Reserved},
		{Base: 0x8000000, Length: 0x10000, Type: memmap.ACPIReclaimable},
		{Base: 0x9000000, Length: 0x1000, Type: memmap.Type(42)},
	}
	got, err := Partition(raw, ar(0x1000000, 0x1400000), []hostarch.AddrRange{
		ar(0x100000, 0x110000),
		ar(0x110000, 0x120000),
		ar(0x7000, 0x8000),
	})
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	want := []Region{
		{Start: 0, End: 0x7000, Kind: KindUsable, FirmwareType: 1},
		{Start: 0x7000, End: 0x8000, Kind: KindBootloader, FirmwareType: 1},
		{Start: 0x8000, End: 0x9f000, Kind: KindUsable, FirmwareType: 1},
		{Start: 0x9f000, End: 0xf0000, Kind: KindReserved},
		{Start: 0xf0000, End: 0x100000, Kind: KindReserved, FirmwareType: 2},
		{Start: 0x100000, End: 0x120000, Kind: KindBootloader, FirmwareType: 1},
		{Start: 0x120000, End: 0x1000000, Kind: KindUsable, FirmwareType: 1},
		{Start: 0x1000000, End: 0x1400000, Kind: KindKernel, FirmwareType: 1},
		{Start: 0x1400000, End: 0x8000000, Kind: KindUsable, FirmwareType: 1},
		{Start: 0x8000000, End: 0x8010000, Kind: KindACPIReclaimable, FirmwareType: 3},
		{Start: 0x8010000, End: 0x9000000, Kind: KindReserved},
		{Start: 0x9000000, End: 0x9001000, Kind: KindUnknownFirmware, FirmwareType: 42},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionInconsistent(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []memmap.Region
	}{
		{
			name: "overlap",
			raw: []memmap.Region{
				{Base: 0, Length: 0x2000, Type: memmap.Usable},
				{Base: 0x1000, Length: 0x2000, Type: memmap.Reserved},
			},
		},
		{
			name: "zero-length usable",
			raw: []memmap.Region{
				{Base: 0, Length: 0x2000, Type: memmap.Usable},
				{Base: 0x4000, Length: 0, Type: memmap.Usable},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Partition(tc.raw, hostarch.AddrRange{}, nil); !errors.Is(err, ErrInconsistentMemoryMap) {
				t.Errorf("Partition = %v, want %v", err, ErrInconsistentMemoryMap)
			}
		})
	}
}

// TestPartitionProperty checks the partition invariant over random maps and
// carve-outs.
func TestPartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	types := []memmap.Type{memmap.Usable, memmap.Usable, memmap.Reserved, memmap.ACPINVS, memmap.Bad}
	for i := 0; i < 200; i++ {
		var (
			raw  []memmap.Region
			addr uint64
		)
		for n := rng.Intn(8) + 1; n > 0; n-- {
			addr += uint64(rng.Intn(4)) * hostarch.PageSize
			length := uint64(rng.Intn(64)+1) * hostarch.PageSize
			raw = append(raw, memmap.Region{Base: addr, Length: length, Type: types[rng.Intn(len(types))]})
			addr += length
		}
		rng.Shuffle(len(raw), func(i, j int) { raw[i], raw[j] = raw[j], raw[i] })

		var carves []hostarch.AddrRange
		for n := rng.Intn(5); n > 0; n-- {
			start := uint64(rng.Int63n(int64(addr)))
			carves = append(carves, ar(start, start+uint64(rng.Intn(16)+1)*hostarch.PageSize))
		}
		kstart := uint64(rng.Int63n(int64(addr)))
		kernel := ar(kstart, kstart+hostarch.PageSize)

		regions, err := Partition(raw, kernel, carves)
		if err != nil {
			t.Fatalf("Partition(%v) failed: %v", raw, err)
		}
		if err := CheckPartition(regions, addr); err != nil {
			t.Fatalf("Partition(%v) = %v: %v", raw, regions, err)
		}
		if len(regions) > MaxRegions(len(raw), len(carves)+1) {
			t.Errorf("%d regions exceeds bound %d", len(regions), MaxRegions(len(raw), len(carves)+1))
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	off := uint64(0xffff800000000000)
	idx := uint16(510)
	rsdp := uint64(0xe0000)
	want := &Info{
		Regions: []Region{
			{Start: 0, End: 0x9f000, Kind: KindUsable, FirmwareType: 1},
			{Start: 0x9f000, End: 0x100000, Kind: KindReserved, FirmwareType: 2},
		},
		Framebuffer: &Framebuffer{
			Addr:          0xffffc00000000000,
			ByteLen:       1024 * 768 * 4,
			Width:         1024,
			Height:        768,
			Stride:        1024,
			BytesPerPixel: 4,
			PixelFormat:   PixelBGR,
		},
		PhysicalMemoryOffset: &off,
		RecursiveIndex:       &idx,
		RSDPAddr:             &rsdp,
		TLS:                  &TLSTemplate{StartAddr: 0xffffffff80003000, FileSize: 8, MemSize: 64},
		Ramdisk:              &Ramdisk{Addr: 0x2000000, Len: 0x100000},
		KernelAddr:           0x1000000,
		KernelLen:            0x400000,
		Loader:               ar(0x100000, 0x140000),
		Stack:                ar(0x10000001000, 0x10000015000),
		KernelArgs:           "console=ttyS0",
	}
	const base = 0x20000000000
	buf := Encode(want, base)
	if uint64(len(buf)) != Size(want) {
		t.Errorf("Encode returned %d bytes, Size = %d", len(buf), Size(want))
	}
	got, err := Decode(buf, base)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}

	// Optional fields are absent when not set.
	got, err = Decode(Encode(&Info{}, base), base)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(&Info{}, got); diff != "" {
		t.Errorf("Decode(empty) mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBad(t *testing.T) {
	const base = 0x20000000000
	good := Encode(&Info{Regions: []Region{{End: 0x1000, Kind: KindUsable}}}, base)

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 1
	badVersion := append([]byte(nil), good...)
	badVersion[8] = 2

	for _, tc := range []struct {
		name string
		buf  []byte
		base hostarch.Addr
	}{
		{"short", good[:16], base},
		{"magic", badMagic, base},
		{"version", badVersion, base},
		{"truncated regions", good[:len(good)-1], base},
		{"wrong base", good, base + 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.buf, tc.base); !errors.Is(err, ErrBadRecord) {
				t.Errorf("Decode = %v, want %v", err, ErrBadRecord)
			}
		})
	}
}

func TestBuildAndWrite(t *testing.T) {
	cfg := bootconfig.Default()
	cfg.KernelArgs = "quiet"
	layout := &mm.Layout{
		KernelPhys:     ar(0x1000000, 0x1400000),
		Stack:          ar(0x8000001000, 0x8000015000),
		BootInfo:       ar(0x8000016000, 0x8000018000),
		BootInfoPhys:   0x200000,
		PhysicalWindow: ar(0x10000000000, 0x10004000000),
		RecursiveIndex: -1,
	}
	in := BuildInput{
		Config:  cfg,
		Layout:  layout,
		Map:     memmap.Default(64 << 20),
		Loader:  []hostarch.AddrRange{ar(0x100000, 0x108000), ar(0x108000, 0x110000)},
		Claimed: []hostarch.AddrRange{ar(0x110000, 0x140000), ar(0x200000, 0x202000)},
	}
	info, err := Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := CheckPartition(info.Regions, 64<<20); err != nil {
		t.Errorf("CheckPartition: %v", err)
	}
	if info.PhysicalMemoryOffset == nil || *info.PhysicalMemoryOffset != 0x10000000000 {
		t.Errorf("PhysicalMemoryOffset = %v", info.PhysicalMemoryOffset)
	}
	if info.RecursiveIndex != nil || info.Framebuffer != nil || info.Ramdisk != nil {
		t.Errorf("unexpected optional fields: %+v", info)
	}
	if info.Loader != ar(0x100000, 0x110000) {
		t.Errorf("Loader = %v", info.Loader)
	}

	mem := physmem.NewSparse(64 << 20)
	if err := Write(mem, layout, info); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, layout.BootInfo.Length())
	if _, err := mem.ReadAt(buf, int64(layout.BootInfoPhys)); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf, layout.BootInfo.Start)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}

	small := *layout
	small.BootInfo.End = small.BootInfo.Start + 64
	if err := Write(mem, &small, info); err == nil {
		t.Errorf("Write into 64 bytes succeeded")
	}
}
