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

// Package elfload parses kernel executables.
//
// Parsing is pure: the kernel bytes are never modified, and nothing is
// mapped. The result describes every PT_LOAD segment (including empty ones),
// the entry point and the pieces of the image the memory manager needs to
// finish loading: the TLS template, the RELRO range and, for position
// independent kernels, the relative relocations.
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
)

var (
	// ErrMalformedImage is returned when headers are inconsistent.
	ErrMalformedImage = errors.New("malformed kernel image")

	// ErrUnsupportedFormat is returned when the image is not a 64-bit
	// little-endian x86-64 executable.
	ErrUnsupportedFormat = errors.New("unsupported kernel image format")
)

// Segment is a loadable segment.
type Segment struct {
	// VirtAddr is the link-time virtual address.
	VirtAddr hostarch.Addr

	// Offset is the file offset of the segment's data.
	Offset uint64

	// FileSize is the number of bytes present in the file.
	FileSize uint64

	// MemSize is the size in memory. Bytes past FileSize are zero.
	MemSize uint64

	// Access are the segment permissions.
	Access hostarch.AccessType

	// Align is the required alignment.
	Align uint64
}

// Empty returns whether the segment occupies no memory.
func (s Segment) Empty() bool {
	return s.MemSize == 0
}

// Range returns the virtual range of the segment.
func (s Segment) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: s.VirtAddr, End: s.VirtAddr + hostarch.Addr(s.MemSize)}
}

// PageRange returns the page-rounded virtual range of the segment.
func (s Segment) PageRange() hostarch.AddrRange {
	r, _ := s.Range().RoundOut()
	return r
}

// TLS describes the thread-local storage template.
type TLS struct {
	VirtAddr hostarch.Addr
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// Relocation is an R_X86_64_RELATIVE relocation: the 8 bytes at Offset are
// set to the load bias plus Addend.
type Relocation struct {
	Offset uint64
	Addend int64
}

// Image is a parsed kernel.
type Image struct {
	// Type is ET_EXEC or ET_DYN.
	Type elf.Type

	// Entry is the link-time entry point.
	Entry hostarch.Addr

	// Segments are all PT_LOAD segments in ascending address order.
	Segments []Segment

	// TLS is the PT_TLS template, if any.
	TLS *TLS

	// RELRO is the PT_GNU_RELRO range; empty if absent.
	RELRO hostarch.AddrRange

	// Relocations are applied to position independent images.
	Relocations []Relocation

	// data is the raw file.
	data []byte
}

// PositionIndependent returns whether the image can be loaded at any base.
func (img *Image) PositionIndependent() bool {
	return img.Type == elf.ET_DYN
}

// Size returns the length of the raw file.
func (img *Image) Size() uint64 {
	return uint64(len(img.data))
}

// FileData returns the bytes of s present in the file.
func (img *Image) FileData(s Segment) []byte {
	return img.data[s.Offset : s.Offset+s.FileSize]
}

// Span returns the page-rounded virtual range covering every non-empty
// segment. ok is false if there are none.
func (img *Image) Span() (r hostarch.AddrRange, ok bool) {
	for _, s := range img.Segments {
		if s.Empty() {
			continue
		}
		pr := s.PageRange()
		if !ok {
			r, ok = pr, true
			continue
		}
		r.Start = min(r.Start, pr.Start)
		r.End = max(r.End, pr.End)
	}
	return r, ok
}

// MaxAlign returns the largest segment alignment, at least a page.
func (img *Image) MaxAlign() uint64 {
	a := uint64(hostarch.PageSize)
	for _, s := range img.Segments {
		a = max(a, s.Align)
	}
	return a
}

// VirtualRanges returns the page-rounded ranges of the non-empty segments,
// shifted by bias.
func (img *Image) VirtualRanges(bias uint64) []hostarch.AddrRange {
	var out []hostarch.AddrRange
	for _, s := range img.Segments {
		if s.Empty() {
			continue
		}
		r := s.PageRange()
		out = append(out, hostarch.AddrRange{
			Start: r.Start + hostarch.Addr(bias),
			End:   r.End + hostarch.Addr(bias),
		})
	}
	return out
}

// progFlagsAsPerms converts ELF segment flags to an AccessType.
func progFlagsAsPerms(f elf.ProgFlag) hostarch.AccessType {
	var p hostarch.AccessType
	if f&elf.PF_R == elf.PF_R {
		p.Read = true
	}
	if f&elf.PF_W == elf.PF_W {
		p.Write = true
	}
	if f&elf.PF_X == elf.PF_X {
		p.Execute = true
	}
	return p
}

// Parse parses and validates a kernel image.
func Parse(data []byte) (*Image, error) {
	if len(data) < elf.EI_NIDENT || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: missing ELF magic", ErrUnsupportedFormat)
	}
	if c := elf.Class(data[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %v", ErrUnsupportedFormat, c)
	}
	if d := elf.Data(data[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: byte order %v", ErrUnsupportedFormat, d)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: machine %v", ErrUnsupportedFormat, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: type %v", ErrUnsupportedFormat, f.Type)
	}

	img := &Image{
		Type:  f.Type,
		Entry: hostarch.Addr(f.Entry),
		data:  data,
	}
	var dynamic *elf.Prog
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			s, err := parseLoad(p, uint64(len(data)))
			if err != nil {
				return nil, err
			}
			img.Segments = append(img.Segments, s)
		case elf.PT_TLS:
			if img.TLS == nil {
				img.TLS = &TLS{
					VirtAddr: hostarch.Addr(p.Vaddr),
					FileSize: p.Filesz,
					MemSize:  p.Memsz,
					Align:    p.Align,
				}
			}
		case elf.PT_GNU_RELRO:
			end, ok := hostarch.Addr(p.Vaddr).AddLength(p.Memsz)
			if !ok {
				return nil, fmt.Errorf("%w: RELRO range overflows", ErrMalformedImage)
			}
			img.RELRO = hostarch.AddrRange{Start: hostarch.Addr(p.Vaddr), End: end}
		case elf.PT_DYNAMIC:
			dynamic = p
		case elf.PT_INTERP:
			return nil, fmt.Errorf("%w: kernel requests an interpreter", ErrUnsupportedFormat)
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no PT_LOAD segments", ErrMalformedImage)
	}
	sort.SliceStable(img.Segments, func(i, j int) bool {
		return img.Segments[i].VirtAddr < img.Segments[j].VirtAddr
	})
	if err := img.checkOverlap(); err != nil {
		return nil, err
	}
	if err := img.checkEntry(); err != nil {
		return nil, err
	}
	if img.PositionIndependent() && dynamic != nil {
		if err := img.parseRelocations(dynamic); err != nil {
			return nil, err
		}
	}
	log.Debugf("Parsed %v kernel: %d segments, entry %v, %d relocations", img.Type, len(img.Segments), img.Entry, len(img.Relocations))
	return img, nil
}

func parseLoad(p *elf.Prog, fileSize uint64) (Segment, error) {
	s := Segment{
		VirtAddr: hostarch.Addr(p.Vaddr),
		Offset:   p.Off,
		FileSize: p.Filesz,
		MemSize:  p.Memsz,
		Access:   progFlagsAsPerms(p.Flags),
		Align:    p.Align,
	}
	end := p.Off + p.Filesz
	if p.Filesz > 0 && (end < p.Off || end > fileSize) {
		return s, fmt.Errorf("%w: segment at %v: file range [%#x, %#x) beyond end of file %#x", ErrMalformedImage, s.VirtAddr, p.Off, end, fileSize)
	}
	if p.Memsz < p.Filesz {
		return s, fmt.Errorf("%w: segment at %v: memsz %#x < filesz %#x", ErrMalformedImage, s.VirtAddr, p.Memsz, p.Filesz)
	}
	if _, ok := s.VirtAddr.AddLength(p.Memsz); !ok {
		return s, fmt.Errorf("%w: segment at %v: size %#x overflows", ErrMalformedImage, s.VirtAddr, p.Memsz)
	}
	if s.Access.Write && s.Access.Execute {
		return s, fmt.Errorf("%w: segment at %v is writable and executable", ErrMalformedImage, s.VirtAddr)
	}
	if p.Align > 1 {
		if p.Align&(p.Align-1) != 0 {
			return s, fmt.Errorf("%w: segment at %v: alignment %#x not a power of two", ErrMalformedImage, s.VirtAddr, p.Align)
		}
		if p.Vaddr%p.Align != p.Off%p.Align {
			return s, fmt.Errorf("%w: segment at %v: address and offset %#x not congruent modulo %#x", ErrMalformedImage, s.VirtAddr, p.Off, p.Align)
		}
	}
	if s.Empty() {
		log.Debugf("Segment at %v is empty", s.VirtAddr)
	}
	return s, nil
}

// checkOverlap verifies that no two non-empty segments share a page.
func (img *Image) checkOverlap() error {
	var prev *Segment
	for i := range img.Segments {
		s := &img.Segments[i]
		if s.Empty() {
			continue
		}
		if !s.VirtAddr.IsCanonical() || !(s.VirtAddr + hostarch.Addr(s.MemSize-1)).IsCanonical() {
			return fmt.Errorf("%w: segment %v is not canonical", ErrMalformedImage, s.Range())
		}
		if prev != nil && prev.PageRange().Overlaps(s.PageRange()) {
			log.Warningf("PT_LOAD segments %v and %v share a page", prev.Range(), s.Range())
			return fmt.Errorf("%w: segments %v and %v share a page", ErrMalformedImage, prev.Range(), s.Range())
		}
		prev = s
	}
	return nil
}

// checkEntry verifies that the entry point is inside an executable segment.
func (img *Image) checkEntry() error {
	for _, s := range img.Segments {
		if !s.Empty() && s.Range().Contains(img.Entry) {
			if !s.Access.Execute {
				return fmt.Errorf("%w: entry %v in non-executable segment %v", ErrMalformedImage, img.Entry, s.Range())
			}
			return nil
		}
	}
	return fmt.Errorf("%w: entry %v outside all segments", ErrMalformedImage, img.Entry)
}

// segmentFor returns the segment containing vaddr.
func (img *Image) segmentFor(vaddr uint64) (Segment, bool) {
	for _, s := range img.Segments {
		if !s.Empty() && s.Range().Contains(hostarch.Addr(vaddr)) {
			return s, true
		}
	}
	return Segment{}, false
}

// fileBytes returns length bytes of the file backing vaddr.
func (img *Image) fileBytes(vaddr, length uint64) ([]byte, bool) {
	s, ok := img.segmentFor(vaddr)
	if !ok {
		return nil, false
	}
	off := vaddr - uint64(s.VirtAddr)
	if off+length > s.FileSize || off+length < off {
		return nil, false
	}
	start := s.Offset + off
	return img.data[start : start+length], true
}
