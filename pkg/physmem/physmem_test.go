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
	"bytes"
	"errors"
	"testing"
)

func testMemory(t *testing.T, m Memory) {
	t.Helper()

	data := bytes.Repeat([]byte{0xab}, 6000)
	if _, err := m.WriteAt(data, 0x1800); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(data)+16)
	if _, err := m.ReadAt(got, 0x1800-8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(append(make([]byte, 8), data...), make([]byte, 8)...)
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt returned unexpected contents")
	}

	if err := Zero(m, 0x2000, 0x1000); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	page := make([]byte, 0x1000)
	if _, err := m.ReadAt(page, 0x2000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(page, make([]byte, 0x1000)) {
		t.Errorf("Zero left data behind")
	}

	if _, err := m.WriteAt([]byte{1}, int64(m.Size())); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt past end: got %v, want %v", err, ErrOutOfRange)
	}
}

func TestSparse(t *testing.T) {
	s := NewSparse(1 << 20)
	testMemory(t, s)
	if s.Touched() == 0 {
		t.Errorf("Touched() = 0 after writes")
	}
}
