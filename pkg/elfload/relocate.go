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

package elfload

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"springboard.dev/springboard/pkg/hostarch"
)

const (
	dynEntrySize  = 16
	relaEntrySize = 24

	// dtRELR tags packed relative relocations, which debug/elf does not name.
	dtRELR elf.DynTag = 36
)

// parseRelocations reads the dynamic table of a position independent image
// and collects its relocations.
func (img *Image) parseRelocations(dynamic *elf.Prog) error {
	if dynamic.Off+dynamic.Filesz > uint64(len(img.data)) || dynamic.Off+dynamic.Filesz < dynamic.Off {
		return fmt.Errorf("%w: PT_DYNAMIC beyond end of file", ErrMalformedImage)
	}
	table := img.data[dynamic.Off : dynamic.Off+dynamic.Filesz]

	var (
		rela, relasz, relaent uint64
		haveRela              bool
	)
	for len(table) >= dynEntrySize {
		tag := elf.DynTag(binary.LittleEndian.Uint64(table))
		val := binary.LittleEndian.Uint64(table[8:])
		table = table[dynEntrySize:]
		switch tag {
		case elf.DT_NULL:
			table = nil
		case elf.DT_RELA:
			rela, haveRela = val, true
		case elf.DT_RELASZ:
			relasz = val
		case elf.DT_RELAENT:
			relaent = val
		case elf.DT_REL, dtRELR:
			return fmt.Errorf("%w: %v relocations", ErrUnsupportedFormat, tag)
		case elf.DT_NEEDED:
			return fmt.Errorf("%w: kernel depends on shared objects", ErrUnsupportedFormat)
		}
	}
	if !haveRela || relasz == 0 {
		return nil
	}
	if relaent != relaEntrySize {
		return fmt.Errorf("%w: DT_RELAENT %d", ErrMalformedImage, relaent)
	}
	if relasz%relaEntrySize != 0 {
		return fmt.Errorf("%w: DT_RELASZ %d not a multiple of %d", ErrMalformedImage, relasz, relaEntrySize)
	}
	buf, ok := img.fileBytes(rela, relasz)
	if !ok {
		return fmt.Errorf("%w: relocation table [%#x, %#x) not backed by file", ErrMalformedImage, rela, rela+relasz)
	}

	img.Relocations = make([]Relocation, 0, relasz/relaEntrySize)
	for ; len(buf) >= relaEntrySize; buf = buf[relaEntrySize:] {
		off := binary.LittleEndian.Uint64(buf)
		info := binary.LittleEndian.Uint64(buf[8:])
		addend := int64(binary.LittleEndian.Uint64(buf[16:]))
		switch typ := elf.R_X86_64(elf.R_TYPE64(info)); typ {
		case elf.R_X86_64_NONE:
			continue
		case elf.R_X86_64_RELATIVE:
		default:
			return fmt.Errorf("%w: relocation type %v at %#x", ErrUnsupportedFormat, typ, off)
		}
		s, ok := img.segmentFor(off)
		if !ok || !s.Range().Contains(hostarch.Addr(off+7)) {
			return fmt.Errorf("%w: relocation at %#x outside loaded segments", ErrMalformedImage, off)
		}
		img.Relocations = append(img.Relocations, Relocation{Offset: off, Addend: addend})
	}
	return nil
}

// ApplyRelocations resolves every relocation for an image loaded with the
// given bias. write is called with the link-time address of each patched
// location and the value to store there.
func (img *Image) ApplyRelocations(bias uint64, write func(vaddr, value uint64) error) error {
	for _, r := range img.Relocations {
		if err := write(r.Offset, bias+uint64(r.Addend)); err != nil {
			return fmt.Errorf("relocation at %#x: %w", r.Offset, err)
		}
	}
	return nil
}
