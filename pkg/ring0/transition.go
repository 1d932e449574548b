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

package ring0

import (
	"errors"
	"fmt"

	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/physmem"
	"springboard.dev/springboard/pkg/ring0/pagetables"
)

var (
	// ErrInvalidState is returned for an operation not permitted in the
	// transition's current state.
	ErrInvalidState = errors.New("invalid transition state")

	// ErrInvalidContext is returned when the target context fails a check
	// against the kernel's page tables.
	ErrInvalidContext = errors.New("invalid kernel context")
)

// State is the state of a Transition.
type State int

// Transition states. Transitioned is terminal.
const (
	Validating State = iota
	Mapped
	Transitioned
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Mapped:
		return "mapped"
	case Transitioned:
		return "transitioned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lookup translates a virtual address in the kernel's address space.
type Lookup func(addr hostarch.Addr) (physical uint64, opts pagetables.MapOpts, ok bool)

// TablesLookup returns a Lookup walking the tables committed to mem at cr3.
// Read failures count as unmapped.
func TablesLookup(mem physmem.Memory, cr3 uint64) Lookup {
	return func(addr hostarch.Addr) (uint64, pagetables.MapOpts, bool) {
		phys, opts, ok, err := pagetables.Translate(mem, cr3, uint64(addr))
		if err != nil {
			log.Warningf("Translating %v: %v", addr, err)
			return 0, pagetables.MapOpts{}, false
		}
		return phys, opts, ok
	}
}

// Target describes where the kernel is entered.
type Target struct {
	// CR3 is the physical address of the root table.
	CR3 uint64

	// Entry is the kernel entry point.
	Entry hostarch.Addr

	// StackTop is the first address above the kernel stack.
	StackTop hostarch.Addr

	// BootInfo is the address passed as the kernel's only argument.
	BootInfo hostarch.Addr

	// GDT is the physical address of the frame receiving the descriptor
	// table. It must be identity mapped.
	GDT uint64
}

// Context is the complete processor state the kernel is entered with.
type Context struct {
	GDT  GDT
	GDTR GDTR
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64
	PAT  uint64

	CS uint16
	DS uint16

	// RIP is the kernel entry point.
	RIP uint64

	// RSP is 16-byte aligned minus eight, as if the entry point had been
	// called.
	RSP uint64

	// RDI holds the boot info address.
	RDI uint64
}

// Jumper transfers control to the kernel. Hardware implementations never
// return.
type Jumper interface {
	Jump(c *Context)
}

// Transition is the mode switch into the kernel.
type Transition struct {
	state State
	ctx   Context
}

// NewTransition returns a transition in the Validating state.
func NewTransition() *Transition {
	return &Transition{state: Validating}
}

// State returns the current state.
func (t *Transition) State() State {
	return t.state
}

// Context returns the prepared context. It is only meaningful once Mapped.
func (t *Transition) Context() Context {
	return t.ctx
}

// Prepare validates target against the kernel's tables, writes the GDT into
// mem and moves the transition to Mapped. On error the state is unchanged
// and nothing has been written.
func (t *Transition) Prepare(mem physmem.Memory, target Target, lookup Lookup) error {
	if t.state != Validating {
		return fmt.Errorf("%w: prepare in state %v", ErrInvalidState, t.state)
	}
	if err := check(target, lookup); err != nil {
		return err
	}

	gdt := NewGDT()
	if _, err := mem.WriteAt(gdt.Bytes(), int64(target.GDT)); err != nil {
		return fmt.Errorf("writing GDT at %#x: %w", target.GDT, err)
	}
	t.ctx = Context{
		GDT:  gdt,
		GDTR: GDTR{Limit: gdt.Limit(), Base: target.GDT},
		CR0:  CR0(),
		CR3:  target.CR3,
		CR4:  CR4(),
		EFER: EFER(),
		PAT:  PAT,
		CS:   Kcode,
		DS:   Kdata,
		RIP:  uint64(target.Entry),
		RSP:  uint64(target.StackTop.RoundDown()) - 8,
		RDI:  uint64(target.BootInfo),
	}
	t.state = Mapped
	log.Debugf("Transition prepared: rip=%#x rsp=%#x rdi=%#x cr3=%#x", t.ctx.RIP, t.ctx.RSP, t.ctx.RDI, t.ctx.CR3)
	return nil
}

// check performs every test that could otherwise only fail after the jump.
func check(target Target, lookup Lookup) error {
	if target.CR3 == 0 || target.CR3%hostarch.PageSize != 0 {
		return fmt.Errorf("%w: root table %#x not page aligned", ErrInvalidContext, target.CR3)
	}
	for _, a := range []struct {
		name string
		addr hostarch.Addr
	}{
		{"entry", target.Entry},
		{"stack top", target.StackTop},
		{"boot info", target.BootInfo},
	} {
		if !a.addr.IsCanonical() {
			return fmt.Errorf("%w: %s %v is not canonical", ErrInvalidContext, a.name, a.addr)
		}
	}
	if _, opts, ok := lookup(target.Entry); !ok || !opts.AccessType.Execute {
		return fmt.Errorf("%w: entry %v is not mapped executable", ErrInvalidContext, target.Entry)
	}
	if !target.StackTop.IsPageAligned() {
		return fmt.Errorf("%w: stack top %v not page aligned", ErrInvalidContext, target.StackTop)
	}
	// The top page itself is the upper guard.
	if _, opts, ok := lookup(target.StackTop - 8); !ok || !opts.AccessType.Write {
		return fmt.Errorf("%w: stack below %v is not mapped writable", ErrInvalidContext, target.StackTop)
	}
	if _, opts, ok := lookup(target.BootInfo); !ok || !opts.AccessType.Read {
		return fmt.Errorf("%w: boot info %v is not mapped", ErrInvalidContext, target.BootInfo)
	}
	if phys, _, ok := lookup(hostarch.Addr(target.GDT)); !ok || phys != target.GDT {
		return fmt.Errorf("%w: GDT %#x is not identity mapped", ErrInvalidContext, target.GDT)
	}
	return nil
}

// Jump hands control to the kernel through j. It is only permitted from
// Mapped; the transition is Transitioned before j runs and stays there.
func (t *Transition) Jump(j Jumper) error {
	if t.state != Mapped {
		return fmt.Errorf("%w: jump in state %v", ErrInvalidState, t.state)
	}
	t.state = Transitioned
	ctx := t.ctx
	j.Jump(&ctx)
	return nil
}

// Recorder is a Jumper that records the context instead of switching to it.
// It is used to simulate boots on a host.
type Recorder struct {
	// Jumps counts calls to Jump.
	Jumps int

	// Context is the last context jumped to.
	Context Context
}

// Jump implements Jumper.Jump.
func (r *Recorder) Jump(c *Context) {
	r.Jumps++
	r.Context = *c
}
