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

package physmem

import (
	"springboard.dev/springboard/pkg/hostarch"
)

// Sparse is a Memory backed by a map of touched pages. Untouched pages read
// as zero.
type Sparse struct {
	size  uint64
	pages map[uint64]*[hostarch.PageSize]byte
}

// NewSparse returns a sparse memory of the given size.
func NewSparse(size uint64) *Sparse {
	return &Sparse{
		size:  size,
		pages: make(map[uint64]*[hostarch.PageSize]byte),
	}
}

// Size implements Memory.Size.
func (s *Sparse) Size() uint64 {
	return s.size
}

// ReadAt implements io.ReaderAt.ReadAt.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(s, off, len(p)); err != nil {
		return 0, err
	}
	addr := uint64(off)
	done := 0
	for done < len(p) {
		page, pgoff := addr&^(hostarch.PageSize-1), addr&(hostarch.PageSize-1)
		n := min(len(p)-done, int(hostarch.PageSize-pgoff))
		if pg, ok := s.pages[page]; ok {
			copy(p[done:done+n], pg[pgoff:])
		} else {
			clear(p[done : done+n])
		}
		done += n
		addr += uint64(n)
	}
	return done, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(s, off, len(p)); err != nil {
		return 0, err
	}
	addr := uint64(off)
	done := 0
	for done < len(p) {
		page, pgoff := addr&^(hostarch.PageSize-1), addr&(hostarch.PageSize-1)
		n := min(len(p)-done, int(hostarch.PageSize-pgoff))
		pg, ok := s.pages[page]
		if !ok {
			pg = new([hostarch.PageSize]byte)
			s.pages[page] = pg
		}
		copy(pg[pgoff:], p[done:done+n])
		done += n
		addr += uint64(n)
	}
	return done, nil
}

// Touched returns the number of pages that have been written.
func (s *Sparse) Touched() int {
	return len(s.pages)
}
