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

// Package bootinfo assembles the record handed to the kernel.
//
// The record is a frozen, little-endian, fixed-layout structure. Fields are
// only ever appended: a kernel built against version 1.N reads every later
// 1.M record. The memory regions and the kernel arguments follow the header
// in the same read-only pages, and the header refers to them by virtual
// address.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	bin "springboard.dev/springboard/pkg/binary"
	"springboard.dev/springboard/pkg/hostarch"
)

const (
	// Magic is "BOOTINFO" in little-endian order.
	Magic = 0x4f464e49544f4f42

	// VersionMajor changes only for incompatible layouts.
	VersionMajor = 1

	// VersionMinor counts appended fields.
	VersionMinor = 0
)

// ErrBadRecord is returned by Decode for records it cannot read.
var ErrBadRecord = errors.New("bad boot information record")

// Kind classifies a memory region for the kernel.
type Kind uint32

// Region kinds.
const (
	KindUsable Kind = iota + 1
	KindBootloader
	KindKernel
	KindReserved
	KindACPIReclaimable
	KindACPINVS
	KindBad
	KindUnknownFirmware
)

var kindNames = map[Kind]string{
	KindUsable:          "usable",
	KindBootloader:      "bootloader",
	KindKernel:          "kernel",
	KindReserved:        "reserved",
	KindACPIReclaimable: "acpi-reclaimable",
	KindACPINVS:         "acpi-nvs",
	KindBad:             "bad",
	KindUnknownFirmware: "unknown-firmware",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Region is one entry of the memory map handed to the kernel.
type Region struct {
	Start        uint64
	End          uint64
	Kind         Kind
	FirmwareType uint32
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", r.Start, r.End, r.Kind)
}

// PixelFormat is the framebuffer pixel layout.
type PixelFormat uint32

// Pixel formats.
const (
	PixelRGB PixelFormat = iota
	PixelBGR
	PixelU8
	PixelUnknown
)

// Framebuffer describes a linear framebuffer.
type Framebuffer struct {
	Addr          uint64
	ByteLen       uint64
	Width         uint32
	Height        uint32
	Stride        uint32
	BytesPerPixel uint32
	PixelFormat   PixelFormat
}

// TLSTemplate is the kernel's thread-local storage template.
type TLSTemplate struct {
	StartAddr uint64
	FileSize  uint64
	MemSize   uint64
}

// Ramdisk is the physical location of the ramdisk.
type Ramdisk struct {
	Addr uint64
	Len  uint64
}

// Info is the decoded boot information.
type Info struct {
	Regions              []Region
	Framebuffer          *Framebuffer
	PhysicalMemoryOffset *uint64
	RecursiveIndex       *uint16
	RSDPAddr             *uint64
	TLS                  *TLSTemplate
	Ramdisk              *Ramdisk

	KernelAddr        uint64
	KernelLen         uint64
	KernelImageOffset uint64

	// Loader is the physical span of the loader.
	Loader hostarch.AddrRange

	// Stack is the virtual range of the kernel stack.
	Stack hostarch.AddrRange

	KernelArgs string
}

type wireOptional struct {
	Present bool
	_       [7]uint8
	Value   uint64
}

type wireFramebuffer struct {
	Present       bool
	_             [7]uint8
	Addr          uint64
	ByteLen       uint64
	Width         uint32
	Height        uint32
	Stride        uint32
	BytesPerPixel uint32
	PixelFormat   uint32
	_             [4]uint8
}

type wireTLS struct {
	Present   bool
	_         [7]uint8
	StartAddr uint64
	FileSize  uint64
	MemSize   uint64
}

type wireRamdisk struct {
	Present bool
	_       [7]uint8
	Addr    uint64
	Len     uint64
}

type wireRegion struct {
	Start        uint64
	End          uint64
	Kind         uint32
	FirmwareType uint32
}

// wireHeader is version 1.0. New fields go at the end.
type wireHeader struct {
	Magic                uint64
	VersionMajor         uint16
	VersionMinor         uint16
	HeaderSize           uint32
	TotalSize            uint64
	RegionsAddr          uint64
	RegionsLen           uint64
	Framebuffer          wireFramebuffer
	PhysicalMemoryOffset wireOptional
	RecursiveIndex       wireOptional
	RSDPAddr             wireOptional
	TLS                  wireTLS
	Ramdisk              wireRamdisk
	KernelAddr           uint64
	KernelLen            uint64
	KernelImageOffset    uint64
	LoaderStart          uint64
	LoaderEnd            uint64
	StackStart           uint64
	StackEnd             uint64
	ArgsAddr             uint64
	ArgsLen              uint64
}

var (
	headerSize = uint64(bin.Size(&wireHeader{}))
	regionSize = uint64(bin.Size(&wireRegion{}))
)

func optional[T ~uint16 | ~uint64](v *T) wireOptional {
	if v == nil {
		return wireOptional{}
	}
	return wireOptional{Present: true, Value: uint64(*v)}
}

// Size returns the encoded size of info.
func Size(info *Info) uint64 {
	return headerSize + uint64(len(info.Regions))*regionSize + uint64(len(info.KernelArgs))
}

// Capacity returns the bytes to reserve for a record with at most regions
// memory regions and argsLen bytes of kernel arguments.
func Capacity(regions int, argsLen int) uint64 {
	return headerSize + uint64(regions)*regionSize + uint64(argsLen)
}

// Encode lays out info for the virtual address base.
func Encode(info *Info, base hostarch.Addr) []byte {
	regionsAddr := uint64(base) + headerSize
	argsAddr := regionsAddr + uint64(len(info.Regions))*regionSize
	h := wireHeader{
		Magic:                Magic,
		VersionMajor:         VersionMajor,
		VersionMinor:         VersionMinor,
		HeaderSize:           uint32(headerSize),
		TotalSize:            Size(info),
		RegionsAddr:          regionsAddr,
		RegionsLen:           uint64(len(info.Regions)),
		PhysicalMemoryOffset: optional(info.PhysicalMemoryOffset),
		RecursiveIndex:       optional(info.RecursiveIndex),
		RSDPAddr:             optional(info.RSDPAddr),
		KernelAddr:           info.KernelAddr,
		KernelLen:            info.KernelLen,
		KernelImageOffset:    info.KernelImageOffset,
		LoaderStart:          uint64(info.Loader.Start),
		LoaderEnd:            uint64(info.Loader.End),
		StackStart:           uint64(info.Stack.Start),
		StackEnd:             uint64(info.Stack.End),
		ArgsAddr:             argsAddr,
		ArgsLen:              uint64(len(info.KernelArgs)),
	}
	if fb := info.Framebuffer; fb != nil {
		h.Framebuffer = wireFramebuffer{
			Present:       true,
			Addr:          fb.Addr,
			ByteLen:       fb.ByteLen,
			Width:         fb.Width,
			Height:        fb.Height,
			Stride:        fb.Stride,
			BytesPerPixel: fb.BytesPerPixel,
			PixelFormat:   uint32(fb.PixelFormat),
		}
	}
	if t := info.TLS; t != nil {
		h.TLS = wireTLS{Present: true, StartAddr: t.StartAddr, FileSize: t.FileSize, MemSize: t.MemSize}
	}
	if r := info.Ramdisk; r != nil {
		h.Ramdisk = wireRamdisk{Present: true, Addr: r.Addr, Len: r.Len}
	}

	buf := make([]byte, 0, Size(info))
	buf = bin.Marshal(buf, binary.LittleEndian, &h)
	for _, r := range info.Regions {
		buf = bin.Marshal(buf, binary.LittleEndian, &wireRegion{
			Start:        r.Start,
			End:          r.End,
			Kind:         uint32(r.Kind),
			FirmwareType: r.FirmwareType,
		})
	}
	return append(buf, info.KernelArgs...)
}

// Decode reads a record encoded for the virtual address base, as a kernel
// would.
func Decode(buf []byte, base hostarch.Addr) (*Info, error) {
	var h wireHeader
	if err := bin.Decode(buf, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadRecord, h.Magic)
	}
	if h.VersionMajor != VersionMajor {
		return nil, fmt.Errorf("%w: version %d.%d", ErrBadRecord, h.VersionMajor, h.VersionMinor)
	}
	slice := func(addr, length uint64) ([]byte, error) {
		off := addr - uint64(base)
		if addr < uint64(base) || off > uint64(len(buf)) || length > uint64(len(buf))-off {
			return nil, fmt.Errorf("%w: [%#x, +%#x) outside record", ErrBadRecord, addr, length)
		}
		return buf[off : off+length], nil
	}
	if h.RegionsLen > uint64(len(buf))/regionSize {
		return nil, fmt.Errorf("%w: %d regions", ErrBadRecord, h.RegionsLen)
	}
	regions, err := slice(h.RegionsAddr, h.RegionsLen*regionSize)
	if err != nil {
		return nil, err
	}
	args, err := slice(h.ArgsAddr, h.ArgsLen)
	if err != nil {
		return nil, err
	}

	info := &Info{
		KernelAddr:        h.KernelAddr,
		KernelLen:         h.KernelLen,
		KernelImageOffset: h.KernelImageOffset,
		Loader:            hostarch.AddrRange{Start: hostarch.Addr(h.LoaderStart), End: hostarch.Addr(h.LoaderEnd)},
		Stack:             hostarch.AddrRange{Start: hostarch.Addr(h.StackStart), End: hostarch.Addr(h.StackEnd)},
		KernelArgs:        string(args),
	}
	for ; len(regions) > 0; regions = regions[regionSize:] {
		var r wireRegion
		bin.Unmarshal(regions[:regionSize], binary.LittleEndian, &r)
		info.Regions = append(info.Regions, Region{Start: r.Start, End: r.End, Kind: Kind(r.Kind), FirmwareType: r.FirmwareType})
	}
	if fb := h.Framebuffer; fb.Present {
		info.Framebuffer = &Framebuffer{
			Addr:          fb.Addr,
			ByteLen:       fb.ByteLen,
			Width:         fb.Width,
			Height:        fb.Height,
			Stride:        fb.Stride,
			BytesPerPixel: fb.BytesPerPixel,
			PixelFormat:   PixelFormat(fb.PixelFormat),
		}
	}
	if o := h.PhysicalMemoryOffset; o.Present {
		v := o.Value
		info.PhysicalMemoryOffset = &v
	}
	if o := h.RecursiveIndex; o.Present {
		v := uint16(o.Value)
		info.RecursiveIndex = &v
	}
	if o := h.RSDPAddr; o.Present {
		v := o.Value
		info.RSDPAddr = &v
	}
	if t := h.TLS; t.Present {
		info.TLS = &TLSTemplate{StartAddr: t.StartAddr, FileSize: t.FileSize, MemSize: t.MemSize}
	}
	if r := h.Ramdisk; r.Present {
		info.Ramdisk = &Ramdisk{Addr: r.Addr, Len: r.Len}
	}
	return info, nil
}
