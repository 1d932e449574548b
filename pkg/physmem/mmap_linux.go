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

//go:build linux
// +build linux

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapped is a Memory backed by an anonymous, lazily populated host mapping.
// It is suitable for simulating machines with gigabytes of RAM.
type Mapped struct {
	data []byte
}

// NewMapped reserves size bytes of host address space.
func NewMapped(size uint64) (*Mapped, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d): %w", size, err)
	}
	return &Mapped{data: data}, nil
}

// Size implements Memory.Size.
func (m *Mapped) Size() uint64 {
	return uint64(len(m.data))
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(m, off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(m, off, len(p)); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Close releases the mapping.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
