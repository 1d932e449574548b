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

// Package hostarch describes the target machine's address space: page sizes,
// virtual and physical addresses, ranges and access types.
//
// Addresses are always 64 bits wide, independent of the host that builds or
// simulates the boot sequence.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2 MiB page size.
	HugePageShift = 21

	// HugePageSize is the 2 MiB page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1 GiB page size.
	GiantPageShift = 30

	// GiantPageSize is the 1 GiB page size.
	GiantPageSize = 1 << GiantPageShift

	// LowerTop is the last canonical address of the lower half.
	LowerTop = 0x00007fffffffffff

	// UpperBottom is the first canonical address of the upper half.
	UpperBottom = 0xffff800000000000
)

// IsCanonical returns whether addr is canonical for four-level paging.
func IsCanonical(addr uint64) bool {
	return addr <= LowerTop || addr >= UpperBottom
}
