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

// Package ring0 performs the final switch from the loader into the kernel.
//
// The switch is modelled as a Transition: its state moves from Validating to
// Mapped once every check against the committed page tables has passed, and
// from Mapped to Transitioned when a Jumper hands control to the kernel.
// Nothing can fail after Prepare returns.
package ring0

// Control register bits.
const (
	_CR0_PE = 1 << 0
	_CR0_MP = 1 << 1
	_CR0_ET = 1 << 4
	_CR0_NE = 1 << 5
	_CR0_WP = 1 << 16
	_CR0_AM = 1 << 18
	_CR0_PG = 1 << 31

	_CR4_PSE        = 1 << 4
	_CR4_PAE        = 1 << 5
	_CR4_PGE        = 1 << 7
	_CR4_OSFXSR     = 1 << 9
	_CR4_OSXMMEXCPT = 1 << 10

	_EFER_SCE = 0x001
	_EFER_LME = 0x100
	_EFER_LMA = 0x400
	_EFER_NX  = 0x800
)

// Model specific registers written during the switch.
const (
	_MSR_EFER = 0xc0000080
	_MSR_PAT  = 0x277
)

// Page attribute table memory types.
const (
	patUC      = 0x00
	patWC      = 0x01
	patWT      = 0x04
	patWB      = 0x06
	patUCMinus = 0x07
)

// PAT is the page attribute table programmed before the jump. It is the
// power-on default except for entry 1 (PWT set), which becomes
// write-combining for framebuffer mappings.
const PAT = patWB | patWC<<8 | patUCMinus<<16 | patUC<<24 |
	patWB<<32 | patWT<<40 | patUCMinus<<48 | patUC<<56

// CR0 returns the CR0 value for the kernel.
func CR0() uint64 {
	return _CR0_PE | _CR0_MP | _CR0_ET | _CR0_NE | _CR0_WP | _CR0_AM | _CR0_PG
}

// CR4 returns the CR4 value for the kernel.
func CR4() uint64 {
	return _CR4_PAE | _CR4_PSE | _CR4_PGE | _CR4_OSFXSR | _CR4_OSXMMEXCPT
}

// EFER returns the EFER value for the kernel.
//
// SCE is left to the kernel, which owns the syscall MSRs.
func EFER() uint64 {
	return _EFER_LME | _EFER_LMA | _EFER_NX
}
