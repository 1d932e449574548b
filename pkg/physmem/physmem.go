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

// Package physmem provides views of the target's physical memory.
//
// On hardware the loader writes physical memory directly. Everywhere else,
// the boot pipeline runs against one of the backends in this package, which
// emulate a flat physical address space starting at zero.
package physmem

import (
	"errors"
	"fmt"
	"io"

	"springboard.dev/springboard/pkg/hostarch"
)

// ErrOutOfRange is returned for accesses beyond the end of physical memory.
var ErrOutOfRange = errors.New("physical address out of range")

// Memory is a byte-addressable physical address space.
//
// Offsets passed to ReadAt and WriteAt are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the exclusive upper bound of addressable memory.
	Size() uint64
}

// Zero clears length bytes at addr.
func Zero(m Memory, addr, length uint64) error {
	var zeros [hostarch.PageSize]byte
	for length > 0 {
		n := min(length, uint64(len(zeros)))
		if _, err := m.WriteAt(zeros[:n], int64(addr)); err != nil {
			return err
		}
		addr += n
		length -= n
	}
	return nil
}

func checkRange(m Memory, off int64, n int) error {
	if off < 0 || uint64(off)+uint64(n) > m.Size() || uint64(off)+uint64(n) < uint64(off) {
		return fmt.Errorf("%w: [%#x, %#x) beyond %#x", ErrOutOfRange, off, uint64(off)+uint64(n), m.Size())
	}
	return nil
}
