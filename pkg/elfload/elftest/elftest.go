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

// Package elftest builds small ELF64 images for tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"

	bin "springboard.dev/springboard/pkg/binary"
)

// Segment is a program header and its contents.
type Segment struct {
	// Type defaults to PT_LOAD.
	Type elf.ProgType

	Flags elf.ProgFlag
	Vaddr uint64
	Data  []byte

	// Memsz defaults to len(Data).
	Memsz uint64

	// Filesz overrides len(Data) in the program header if non-zero.
	Filesz uint64

	// Align defaults to a page.
	Align uint64
}

// Image describes an ELF file.
type Image struct {
	// Type defaults to ET_EXEC.
	Type elf.Type

	// Machine defaults to EM_X86_64.
	Machine elf.Machine

	Entry    uint64
	Segments []Segment
}

const (
	headerSize = 64
	progSize   = 56
	pageSize   = 0x1000
)

// Bytes encodes the image. Segment data is placed at file offsets congruent
// to their virtual addresses modulo a page.
func (img Image) Bytes() []byte {
	typ := img.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}

	type placed struct {
		off uint64
		seg Segment
	}
	var (
		segs   []placed
		cursor = uint64(headerSize + progSize*len(img.Segments))
	)
	for _, s := range img.Segments {
		if s.Type == 0 {
			s.Type = elf.PT_LOAD
		}
		if s.Align == 0 {
			s.Align = pageSize
		}
		if s.Memsz == 0 {
			s.Memsz = uint64(len(s.Data))
		}
		off := (cursor+pageSize-1)&^(pageSize-1) + s.Vaddr%pageSize
		cursor = off + uint64(len(s.Data))
		segs = append(segs, placed{off: off, seg: s})
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(segs)),
	}
	out := bin.Marshal(nil, binary.LittleEndian, &hdr)
	for _, p := range segs {
		filesz := p.seg.Filesz
		if filesz == 0 {
			filesz = uint64(len(p.seg.Data))
		}
		out = bin.Marshal(out, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(p.seg.Type),
			Flags:  uint32(p.seg.Flags),
			Off:    p.off,
			Vaddr:  p.seg.Vaddr,
			Paddr:  p.seg.Vaddr,
			Filesz: filesz,
			Memsz:  p.seg.Memsz,
			Align:  p.seg.Align,
		})
	}
	for _, p := range segs {
		if grow := int(p.off) - len(out); grow > 0 {
			out = append(out, make([]byte, grow)...)
		}
		out = append(out, p.seg.Data...)
	}
	return out
}

// DT_RELR is the packed relative relocation tag, missing from debug/elf.
const DT_RELR elf.DynTag = 36

// Dynamic encodes a dynamic table terminated by DT_NULL.
func Dynamic(entries map[elf.DynTag]uint64) []byte {
	var out []byte
	// Emit in a stable order.
	for _, tag := range []elf.DynTag{elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, elf.DT_REL, DT_RELR, elf.DT_NEEDED} {
		if v, ok := entries[tag]; ok {
			out = binary.LittleEndian.AppendUint64(out, uint64(tag))
			out = binary.LittleEndian.AppendUint64(out, v)
		}
	}
	return append(out, make([]byte, 16)...)
}

// Rela is one Elf64_Rela entry.
type Rela struct {
	Offset uint64
	Type   elf.R_X86_64
	Addend int64
}

// RelaTable encodes relocation entries.
func RelaTable(relas ...Rela) []byte {
	var out []byte
	for _, r := range relas {
		out = binary.LittleEndian.AppendUint64(out, r.Offset)
		out = binary.LittleEndian.AppendUint64(out, uint64(r.Type))
		out = binary.LittleEndian.AppendUint64(out, uint64(r.Addend))
	}
	return out
}

// Kernel returns a minimal valid static kernel: a read-execute text page at
// textAddr holding the entry point, and a writable data segment of
// dataSize bytes (half of it bss) on the page after.
func Kernel(textAddr, dataSize uint64) []byte {
	text := make([]byte, pageSize)
	text[0] = 0xf4 // hlt
	data := make([]byte, dataSize/2)
	for i := range data {
		data[i] = byte(i)
	}
	return Image{
		Entry: textAddr,
		Segments: []Segment{
			{Flags: elf.PF_R | elf.PF_X, Vaddr: textAddr, Data: text},
			{Flags: elf.PF_R | elf.PF_W, Vaddr: textAddr + pageSize, Data: data, Memsz: dataSize},
		},
	}.Bytes()
}
