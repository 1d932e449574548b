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

//go:build amd64
// +build amd64

package ring0

// jumpFrame is the register image consumed by jump. Its layout is fixed by the
// offsets in jump_amd64.s.
type jumpFrame struct {
	gdtr [16]byte // LGDT operand in the first ten bytes.
	cr0  uint64
	cr3  uint64
	cr4  uint64
	efer uint64
	pat  uint64
	rsp  uint64
	rip  uint64
	rdi  uint64
}

// jump switches to f and enters the kernel. It does not return.
//
// This is an assembly function. The caller must run at CPL 0 with its own
// code and f identity mapped in the tables at f.cr3.
//
//go:noescape
func jump(f *jumpFrame)

// Halt stops the processor with interrupts disabled. It does not return.
//
// This is an assembly function.
func Halt()

// HardwareJumper switches the processor to a Context. It disables
// interrupts, programs EFER and the PAT, loads the GDT, CR4, CR3 and CR0,
// switches to the kernel stack, reloads the segment registers and jumps to
// the entry point with the boot info address in RDI.
type HardwareJumper struct{}

// Jump implements Jumper.Jump.
func (HardwareJumper) Jump(c *Context) {
	f := newFrame(c)
	jump(&f)
	panic("unreachable")
}

func newFrame(c *Context) jumpFrame {
	f := jumpFrame{
		cr0:  c.CR0,
		cr3:  c.CR3,
		cr4:  c.CR4,
		efer: c.EFER,
		pat:  c.PAT,
		rsp:  c.RSP,
		rip:  c.RIP,
		rdi:  c.RDI,
	}
	copy(f.gdtr[:], c.GDTR.Bytes())
	return f
}
