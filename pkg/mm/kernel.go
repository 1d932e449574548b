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

package mm

import (
	"encoding/binary"
	"fmt"

	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/ring0/pagetables"
)

// mapKernel maps every kernel segment at its biased address.
//
// Static kernels are mapped in place where file pages line up with virtual
// pages. A partially filled last page is copied before its tail is zeroed,
// since the file bytes after it belong to something else. Position
// independent kernels are always copied so that relocations can be applied.
func (m *Manager) mapKernel() error {
	img := m.in.Kernel
	bias := m.layout.KernelBias
	for _, s := range img.Segments {
		if s.Empty() {
			log.Debugf("Skipping empty kernel segment at %v", s.VirtAddr)
			continue
		}
		opts := pagetables.MapOpts{AccessType: s.Access, Global: true}
		opts.AccessType.Read = true
		inPlace := !img.PositionIndependent() && (uint64(s.VirtAddr)-s.Offset)%hostarch.PageSize == 0
		var err error
		if inPlace {
			err = m.mapSegmentInPlace(s, bias, opts)
		} else {
			err = m.copySegment(s, bias, opts)
		}
		if err != nil {
			return fmt.Errorf("mapping kernel segment %v: %w", s.Range(), err)
		}
	}

	if err := img.ApplyRelocations(bias, func(vaddr, value uint64) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], value)
		return m.writeKernel(hostarch.Addr(vaddr), b[:])
	}); err != nil {
		return err
	}
	if n := len(img.Relocations); n > 0 {
		log.Infof("Applied %d relocations with bias %#x", n, bias)
	}
	return m.protectRELRO()
}

// mapSegmentInPlace maps the file pages of s directly.
func (m *Manager) mapSegmentInPlace(s elfload.Segment, bias uint64, opts pagetables.MapOpts) error {
	start := s.VirtAddr.RoundDown()
	fileEnd := s.VirtAddr + hostarch.Addr(s.FileSize)
	memEnd := (s.VirtAddr + hostarch.Addr(s.MemSize)).MustRoundUp()

	// Pages that are entirely file bytes, or the whole segment if there is
	// no bss to zero.
	inPlaceEnd := fileEnd.RoundDown()
	if s.MemSize == s.FileSize {
		inPlaceEnd = memEnd
	}
	if inPlaceEnd > start {
		phys := m.in.KernelPhys + s.Offset - s.VirtAddr.PageOffset()
		length := uint64(inPlaceEnd - start)
		if _, err := m.tables.Map(start+hostarch.Addr(bias), length, opts, phys); err != nil {
			return err
		}
		for off := uint64(0); off < length; off += hostarch.PageSize {
			m.kernelPages[start+hostarch.Addr(off)] = phys + off
		}
	}
	for page := max(inPlaceEnd, start); page < memEnd; page += hostarch.PageSize {
		if err := m.copyPage(s, page, bias, opts); err != nil {
			return err
		}
	}
	return nil
}

// copySegment copies every page of s to fresh frames.
func (m *Manager) copySegment(s elfload.Segment, bias uint64, opts pagetables.MapOpts) error {
	memEnd := (s.VirtAddr + hostarch.Addr(s.MemSize)).MustRoundUp()
	for page := s.VirtAddr.RoundDown(); page < memEnd; page += hostarch.PageSize {
		if err := m.copyPage(s, page, bias, opts); err != nil {
			return err
		}
	}
	return nil
}

// copyPage allocates a frame holding the bytes of s that fall in the
// link-time page, zero elsewhere, and maps it.
func (m *Manager) copyPage(s elfload.Segment, page hostarch.Addr, bias uint64, opts pagetables.MapOpts) error {
	f, err := m.frames.AllocFrame()
	if err != nil {
		return err
	}
	var buf [hostarch.PageSize]byte
	file := hostarch.AddrRange{Start: s.VirtAddr, End: s.VirtAddr + hostarch.Addr(s.FileSize)}
	if r := file.Intersect(hostarch.AddrRange{Start: page, End: page + hostarch.PageSize}); r.Length() > 0 {
		data := m.in.Kernel.FileData(s)
		copy(buf[r.Start-page:], data[r.Start-s.VirtAddr:r.End-s.VirtAddr])
	}
	if _, err := m.in.Memory.WriteAt(buf[:], int64(f.Address())); err != nil {
		return err
	}
	if _, err := m.tables.Map(page+hostarch.Addr(bias), hostarch.PageSize, opts, f.Address()); err != nil {
		return err
	}
	m.kernelPages[page] = f.Address()
	m.pageLog.Debugf("Kernel page %v -> %#x", page+hostarch.Addr(bias), f.Address())
	return nil
}

// writeKernel writes b at a link-time kernel address.
func (m *Manager) writeKernel(vaddr hostarch.Addr, b []byte) error {
	for len(b) > 0 {
		page := vaddr.RoundDown()
		phys, ok := m.kernelPages[page]
		if !ok {
			return fmt.Errorf("%w: %v is not mapped", elfload.ErrMalformedImage, vaddr)
		}
		n := min(uint64(len(b)), hostarch.PageSize-vaddr.PageOffset())
		if _, err := m.in.Memory.WriteAt(b[:n], int64(phys+vaddr.PageOffset())); err != nil {
			return err
		}
		b = b[n:]
		vaddr += hostarch.Addr(n)
	}
	return nil
}

// protectRELRO remaps the pages wholly inside the RELRO range read-only.
func (m *Manager) protectRELRO() error {
	r := m.in.Kernel.RELRO
	if r.Length() == 0 {
		return nil
	}
	opts := pagetables.MapOpts{AccessType: hostarch.Read, Global: true}
	bias := hostarch.Addr(m.layout.KernelBias)
	for page := r.Start.RoundDown(); page < r.End.RoundDown(); page += hostarch.PageSize {
		phys, ok := m.kernelPages[page]
		if !ok {
			continue
		}
		if _, err := m.tables.Map(page+bias, hostarch.PageSize, opts, phys); err != nil {
			return fmt.Errorf("protecting RELRO page %v: %w", page+bias, err)
		}
	}
	log.Debugf("RELRO %v is read-only", r)
	return nil
}
