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

package loader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/bootinfo"
	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/elfload/elftest"
	"springboard.dev/springboard/pkg/frame"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/physmem"
	"springboard.dev/springboard/pkg/ring0"
	"springboard.dev/springboard/pkg/ring0/pagetables"
)

const (
	memSize  = 64 << 20
	textAddr = 0xffffffff80000000
)

var modes = []Mode{
	{Width: 640, Height: 480, Stride: 640, BytesPerPixel: 4, Format: bootinfo.PixelBGR, Phys: 0xfd000000},
	{Width: 1024, Height: 768, Stride: 1024, BytesPerPixel: 4, Format: bootinfo.PixelBGR, Phys: 0xfd000000},
	{Width: 800, Height: 600, Stride: 800, BytesPerPixel: 4, Format: bootinfo.PixelRGB, Phys: 0xfd000000},
}

func testFiles(t *testing.T, cfg *bootconfig.Config) Files {
	t.Helper()
	raw, err := cfg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	return Files{
		Stage3:  bytes.Repeat([]byte{0x90}, 0x1200),
		Stage4:  bytes.Repeat([]byte{0xcc}, 0x3000),
		Kernel:  elftest.Kernel(textAddr, 0x2000),
		Config:  raw,
		Ramdisk: []byte("ramdisk contents"),
	}
}

func TestRun(t *testing.T) {
	cfg := bootconfig.Default()
	cfg.Framebuffer = bootconfig.Framebuffer{Enabled: true, MinWidth: 640, MinHeight: 480}
	cfg.PhysicalMemoryMapping.Mode = bootconfig.ModeDynamic
	cfg.RecursiveIndex.Mode = bootconfig.ModeDynamic
	cfg.KernelArgs = "console=ttyS0"

	mem := physmem.NewSparse(memSize)
	payload, segs, err := Place(mem, testFiles(t, cfg))
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	fw := Firmware{
		Map:    memmap.Default(memSize),
		Memory: mem,
		Loader: segs,
		Modes:  modes,
	}
	l := New(fw, payload)
	var r ring0.Recorder
	res, err := l.Run(&r)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if l.State() != ring0.Transitioned || r.Jumps != 1 {
		t.Errorf("state %v after %d jumps, want %v after 1", l.State(), r.Jumps, ring0.Transitioned)
	}
	if r.Context.RDI != uint64(res.Layout.BootInfo.Start) || r.Context.RIP != textAddr {
		t.Errorf("entered %#x with %#x, want %#x with %v", r.Context.RIP, r.Context.RDI, uint64(textAddr), res.Layout.BootInfo.Start)
	}
	if res.Mode == nil || res.Mode.Width != 1024 {
		t.Errorf("selected mode %v, want 1024x768", res.Mode)
	}

	// Read back what the kernel would see.
	buf := make([]byte, res.Layout.BootInfo.Length())
	if _, err := mem.ReadAt(buf, int64(res.Layout.BootInfoPhys)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	info, err := bootinfo.Decode(buf, res.Layout.BootInfo.Start)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(res.Info, info); diff != "" {
		t.Errorf("boot info mismatch (-built +decoded):\n%s", diff)
	}
	if err := bootinfo.CheckPartition(info.Regions, memSize); err != nil {
		t.Errorf("CheckPartition failed: %v", err)
	}
	if info.KernelArgs != cfg.KernelArgs {
		t.Errorf("KernelArgs = %q, want %q", info.KernelArgs, cfg.KernelArgs)
	}
	if info.PhysicalMemoryOffset == nil || info.RecursiveIndex == nil {
		t.Errorf("physical memory offset %v, recursive index %v, want both", info.PhysicalMemoryOffset, info.RecursiveIndex)
	}
	if info.Framebuffer == nil || info.Framebuffer.Addr != uint64(res.Layout.Framebuffer) {
		t.Errorf("framebuffer %+v, want virtual address %v", info.Framebuffer, res.Layout.Framebuffer)
	}
	if info.Ramdisk == nil || info.Ramdisk.Addr != uint64(payload.Ramdisk.Start) {
		t.Errorf("ramdisk %+v, want %v", info.Ramdisk, payload.Ramdisk)
	}
}

func TestRunFailsBeforeJump(t *testing.T) {
	for _, tc := range []struct {
		name    string
		fw      func(*Firmware)
		payload func(*Payload)
		want    error
	}{
		{
			name: "out of memory",
			fw: func(fw *Firmware) {
				fw.Map = []memmap.Region{
					{Base: 0, Length: 0x9f000, Type: memmap.Usable},
					{Base: 1 << 20, Length: 64 << 10, Type: memmap.Usable},
					{Base: KernelAddr, Length: 4 << 20, Type: memmap.Reserved},
				}
			},
			want: frame.ErrOutOfMemory,
		},
		{
			name:    "bad kernel",
			payload: func(p *Payload) { p.Kernel = []byte("not an elf file at all, clearly") },
			want:    elfload.ErrUnsupportedFormat,
		},
		{
			name: "bad config",
			payload: func(p *Payload) {
				p.Config = bootconfig.Default()
				p.Config.KernelStackSize = 0
			},
			want: bootconfig.ErrInvalidConfiguration,
		},
		{
			name: "overlapping map",
			fw: func(fw *Firmware) {
				fw.Map = append(fw.Map, memmap.Region{Base: 2 << 20, Length: 1 << 20, Type: memmap.Reserved})
			},
			want: memmap.ErrInconsistentMemoryMap,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := physmem.NewSparse(memSize)
			payload, segs, err := Place(mem, testFiles(t, bootconfig.Default()))
			if err != nil {
				t.Fatalf("Place failed: %v", err)
			}
			fw := Firmware{Map: memmap.Default(memSize), Memory: mem, Loader: segs}
			if tc.fw != nil {
				tc.fw(&fw)
			}
			if tc.payload != nil {
				tc.payload(&payload)
			}
			l := New(fw, payload)
			var r ring0.Recorder
			_, err = l.Run(&r)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Run = %v, want %v", err, tc.want)
			}
			if r.Jumps != 0 || l.State() != ring0.Validating {
				t.Errorf("state %v after %d jumps, want %v without jumping", l.State(), r.Jumps, ring0.Validating)
			}
		})
	}
}

func TestSelectMode(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  bootconfig.Framebuffer
		want int
	}{
		{"no minimum", bootconfig.Framebuffer{Enabled: true}, 1},
		{"minimum met by all", bootconfig.Framebuffer{Enabled: true, MinWidth: 640, MinHeight: 480}, 1},
		{"exact", bootconfig.Framebuffer{Enabled: true, MinWidth: 1024, MinHeight: 768}, 1},
		{"too large", bootconfig.Framebuffer{Enabled: true, MinWidth: 1920}, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectMode(modes, tc.req)
			switch {
			case tc.want < 0 && got != nil:
				t.Errorf("SelectMode = %v, want none", got)
			case tc.want >= 0 && got != &modes[tc.want]:
				t.Errorf("SelectMode = %v, want %v", got, &modes[tc.want])
			}
		})
	}
}

func TestPlace(t *testing.T) {
	mem := physmem.NewSparse(memSize)
	f := testFiles(t, bootconfig.Default())
	p, segs, err := Place(mem, f)
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: Stage3Addr, End: Stage3Addr + 0x1200},
		{Start: Stage3Addr + 0x1200, End: Stage3Addr + 0x4200},
	}
	for i, s := range segs {
		if s.Range != want[i] {
			t.Errorf("segment %d = %v, want %v", i, s.Range, want[i])
		}
	}
	if p.Ramdisk.Start%hostarch.PageSize != 0 || uint64(p.Ramdisk.Start) < KernelAddr+uint64(len(f.Kernel)) {
		t.Errorf("ramdisk at %v overlaps or is unaligned", p.Ramdisk)
	}
	got := make([]byte, len(f.Ramdisk))
	if _, err := mem.ReadAt(got, int64(p.Ramdisk.Start)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, f.Ramdisk) {
		t.Errorf("ramdisk = %q, want %q", got, f.Ramdisk)
	}

	f.Stage4 = make([]byte, 15<<20)
	if _, _, err := Place(physmem.NewSparse(memSize), f); err == nil {
		t.Errorf("Place with oversized stages succeeded")
	}
}

func TestFindRSDP(t *testing.T) {
	mem := physmem.NewSparse(2 << 20)
	if _, ok := FindRSDP(mem); ok {
		t.Fatalf("FindRSDP found a pointer in empty memory")
	}
	rsdp := make([]byte, rsdpV1Size)
	copy(rsdp, rsdpSignature)
	copy(rsdp[9:], "SPRING")
	var sum byte
	for _, b := range rsdp {
		sum += b
	}
	rsdp[8] = -sum

	// A bad checksum first, then a good one.
	bad := append([]byte{}, rsdp...)
	bad[8]++
	mem.WriteAt(bad, 0xe0000)
	mem.WriteAt(rsdp, 0xf5a30)
	addr, ok := FindRSDP(mem)
	if !ok || addr != 0xf5a30 {
		t.Errorf("FindRSDP = %#x, %t, want 0xf5a30, true", addr, ok)
	}
}

func TestHalt(t *testing.T) {
	halted := 0
	defer func(h func()) { halt = h }(halt)
	halt = func() { halted++ }

	Halt(frame.ErrOutOfMemory)
	if halted != 1 {
		t.Errorf("halted %d times, want 1", halted)
	}
	for _, tc := range []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{frame.ErrOutOfMemory, "out of memory"},
		{memmap.ErrInconsistentMemoryMap, "inconsistent memory map"},
		{bootinfo.ErrInconsistentMemoryMap, "inconsistent memory map"},
		{ring0.ErrInvalidContext, "invalid transition"},
		{errors.New("other"), "internal error"},
	} {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestLoadModes(t *testing.T) {
	dir := t.TempDir()
	want := []Mode{
		{Width: 800, Height: 600, Stride: 800, BytesPerPixel: 4, Format: bootinfo.PixelBGR, Phys: 0xfd000000},
		{Width: 1024, Height: 768, Stride: 1056, BytesPerPixel: 4, Phys: 0xfd000000},
	}
	for name, contents := range map[string]string{
		"machine.toml": `
[[region]]
base = 0
length = 0x9f000
type = "usable"

[[mode]]
width = 800
height = 600
bytes_per_pixel = 4
format = 1
phys = 0xfd000000

[[mode]]
width = 1024
height = 768
stride = 1056
bytes_per_pixel = 4
phys = 0xfd000000
`,
		"machine.yaml": `
mode:
  - width: 800
    height: 600
    bytes_per_pixel: 4
    format: 1
    phys: 0xfd000000
  - width: 1024
    height: 768
    stride: 1056
    bytes_per_pixel: 4
    phys: 0xfd000000
`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
				t.Fatal(err)
			}
			got, err := LoadModes(path)
			if err != nil {
				t.Fatalf("LoadModes: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("LoadModes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunUnalignedStages(t *testing.T) {
	for _, tc := range []struct {
		name           string
		stage3, stage4 int
	}{
		{"odd sizes", 5000, 7000},
		{"one sector", 512, 512},
		{"page multiple", 0x2000, 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := testFiles(t, bootconfig.Default())
			f.Stage3 = bytes.Repeat([]byte{0x90}, tc.stage3)
			f.Stage4 = bytes.Repeat([]byte{0xcc}, tc.stage4)
			mem := physmem.NewSparse(memSize)
			payload, segs, err := Place(mem, f)
			if err != nil {
				t.Fatalf("Place failed: %v", err)
			}
			res, err := New(Firmware{Map: memmap.Default(memSize), Memory: mem, Loader: segs}, payload).Run(&ring0.Recorder{})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			last := segs[len(segs)-1].Range.End - 1
			phys, opts, ok, err := pagetables.Translate(mem, res.Layout.CR3, uint64(last))
			if err != nil || !ok || phys != uint64(last) || !opts.AccessType.Execute {
				t.Errorf("stage 4 end %v -> %#x %v %v %v, want identity r-x", last, phys, opts, ok, err)
			}
		})
	}
}
