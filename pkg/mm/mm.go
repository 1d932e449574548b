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

// Package mm builds the kernel's initial address space.
//
// A Manager takes the boot configuration, the firmware memory map and the
// parsed kernel, allocates physical frames and populates page tables for the
// loader's identity mappings, the kernel segments, the kernel stack, the boot
// information pages and the optional framebuffer, physical memory window and
// recursive entry. The result is a Layout describing every address chosen.
//
// Fixed addresses are reserved first, then dynamic ones are placed at the
// lowest free, suitably aligned address in the configured dynamic range.
// Any collision between two ranges is an ErrInvalidConfiguration.
package mm

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/frame"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/physmem"
	"springboard.dev/springboard/pkg/ring0/pagetables"
)

var (
	// ErrInsufficientAddressSpace is returned when a mapping does not fit.
	ErrInsufficientAddressSpace = errors.New("insufficient virtual address space")

	// ErrInvalidConfiguration is returned when fixed addresses collide with
	// ranges only known at boot.
	ErrInvalidConfiguration = bootconfig.ErrInvalidConfiguration
)

// LoaderSegment is a part of the running loader. It is identity mapped.
type LoaderSegment struct {
	Range  hostarch.AddrRange
	Access hostarch.AccessType
}

// Framebuffer is the physical framebuffer reported by firmware.
type Framebuffer struct {
	Phys uint64
	Size uint64
}

// Inputs are everything the Manager needs.
type Inputs struct {
	Config *bootconfig.Config
	Map    memmap.Map
	Memory physmem.Memory

	// Kernel is the parsed kernel and KernelPhys the page-aligned physical
	// address of its file bytes.
	Kernel     *elfload.Image
	KernelPhys uint64

	// Loader are the loader's own segments.
	Loader []LoaderSegment

	// Framebuffer is nil if firmware provided none.
	Framebuffer *Framebuffer

	// Ramdisk is the physical range of the ramdisk, if any.
	Ramdisk hostarch.AddrRange

	// BootInfoSize is the number of bytes reserved for boot information.
	BootInfoSize uint64

	// Floor is passed to the frame allocator.
	Floor uint64
}

// Layout is the finished address space.
type Layout struct {
	// CR3 is the physical address of the top-level table.
	CR3 uint64

	// Entry is the kernel entry point after relocation.
	Entry hostarch.Addr

	// KernelBias is added to every link-time kernel address.
	KernelBias uint64

	// Kernel is the virtual span of the kernel.
	Kernel hostarch.AddrRange

	// KernelPhys holds the kernel file bytes.
	KernelPhys hostarch.AddrRange

	// TLS is the relocated TLS template, if any.
	TLS *elfload.TLS

	// Stack is the mapped kernel stack. The pages immediately below and
	// above it are unmapped.
	Stack hostarch.AddrRange

	// BootInfo is the virtual range of the boot information pages, backed
	// by contiguous frames at BootInfoPhys.
	BootInfo     hostarch.AddrRange
	BootInfoPhys uint64

	// Framebuffer is the virtual address of the first framebuffer byte, or
	// zero.
	Framebuffer hostarch.Addr

	// PhysicalWindow maps physical address zero at its start. It is empty
	// if disabled.
	PhysicalWindow hostarch.AddrRange

	// RecursiveIndex is the recursive top-level index, or -1.
	RecursiveIndex int

	// GDT is the physical (and virtual) address of the GDT frame.
	GDT uint64

	// Tables is the number of page tables written.
	Tables int
}

// StackTop returns the initial stack pointer.
func (l *Layout) StackTop() hostarch.Addr {
	return l.Stack.End
}

// Manager builds an address space once.
type Manager struct {
	in     Inputs
	frames *frame.Allocator
	tables *pagetables.PageTables
	space  *space
	layout Layout
	built  bool

	// loader are the loader's identity mapped pages, merged by loaderPages.
	loader []LoaderSegment

	// kernelPages maps link-time kernel pages to their frames.
	kernelPages map[hostarch.Addr]uint64

	// pageLog reports per-page work without flooding the console.
	pageLog log.Logger
}

// New returns a Manager for in. The frame allocator skips the loader, the
// kernel file and the ramdisk.
func New(in Inputs) (*Manager, error) {
	if in.Config == nil || in.Kernel == nil || in.Memory == nil {
		return nil, fmt.Errorf("mm.New: missing inputs")
	}
	if in.KernelPhys%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("kernel file at %#x is not page aligned", in.KernelPhys)
	}
	reserved := []hostarch.AddrRange{
		{Start: hostarch.Addr(in.KernelPhys), End: hostarch.Addr(in.KernelPhys + in.Kernel.Size())},
		in.Ramdisk,
	}
	for _, l := range in.Loader {
		reserved = append(reserved, l.Range)
	}
	frames := frame.New(in.Map, frame.Options{Floor: in.Floor, Reserved: reserved})
	tables, err := pagetables.New(pagetables.NewFrameAllocator(frames))
	if err != nil {
		return nil, err
	}
	return &Manager{
		in:          in,
		frames:      frames,
		tables:      tables,
		space:       newSpace(),
		kernelPages: make(map[hostarch.Addr]uint64),
		pageLog:     log.BasicRateLimitedLogger(100 * time.Millisecond),
		layout: Layout{
			CR3:            tables.CR3(),
			RecursiveIndex: -1,
		},
	}, nil
}

// Frames returns the frame allocator.
func (m *Manager) Frames() *frame.Allocator {
	return m.frames
}

// Tables returns the page tables.
func (m *Manager) Tables() *pagetables.PageTables {
	return m.tables
}

// Reservations calls fn for every reserved virtual range.
func (m *Manager) Reservations(fn func(name string, r hostarch.AddrRange)) {
	m.space.each(fn)
}

// plan holds the virtual addresses chosen before anything is mapped.
type plan struct {
	kernelBase  hostarch.Addr
	stack       hostarch.Addr
	bootInfo    hostarch.Addr
	framebuffer hostarch.Addr
	window      hostarch.Addr
	windowSize  uint64
	recursive   int
}

// Build populates the page tables, commits them to memory and returns the
// layout.
func (m *Manager) Build() (*Layout, error) {
	if m.built {
		return nil, fmt.Errorf("address space already built")
	}
	m.built = true

	p, err := m.place()
	if err != nil {
		return nil, err
	}
	if err := m.mapLoader(); err != nil {
		return nil, err
	}
	if err := m.mapKernel(); err != nil {
		return nil, err
	}
	if err := m.mapStack(p.stack); err != nil {
		return nil, err
	}
	if err := m.mapBootInfo(p.bootInfo); err != nil {
		return nil, err
	}
	if err := m.mapFramebuffer(p.framebuffer); err != nil {
		return nil, err
	}
	if err := m.mapPhysicalWindow(p.window, p.windowSize); err != nil {
		return nil, err
	}
	if p.recursive >= 0 {
		if err := m.tables.SetRecursive(p.recursive); err != nil {
			return nil, err
		}
		m.layout.RecursiveIndex = p.recursive
	}
	n, err := m.tables.Commit(m.in.Memory)
	if err != nil {
		return nil, fmt.Errorf("committing page tables: %w", err)
	}
	m.layout.Tables = n
	log.Infof("Address space: %d tables, %d frames claimed, CR3 %#x", n, m.frames.Allocated(), m.layout.CR3)
	l := m.layout
	return &l, nil
}

// windowSize returns the size of the physical memory window: every address
// reported by firmware, including the framebuffer, rounded to huge pages.
func (m *Manager) windowSize() uint64 {
	top := m.in.Map.MaxPhysicalAddress()
	if fb := m.in.Framebuffer; fb != nil {
		top = max(top, fb.Phys+fb.Size)
	}
	size, ok := hostarch.AlignUp(top, hostarch.HugePageSize)
	if !ok {
		return top
	}
	return size
}

func (m *Manager) framebufferPages() (phys, length uint64) {
	fb := m.in.Framebuffer
	phys = hostarch.AlignDown(fb.Phys, hostarch.PageSize)
	end, _ := hostarch.AlignUp(fb.Phys+fb.Size, hostarch.PageSize)
	return phys, end - phys
}

func (m *Manager) framebufferEnabled() bool {
	return m.in.Config.Framebuffer.Enabled && m.in.Framebuffer != nil && m.in.Framebuffer.Size > 0
}

// place chooses every virtual address. Loader identity ranges and fixed
// addresses are reserved before any dynamic placement.
func (m *Manager) place() (plan, error) {
	cfg := m.in.Config
	p := plan{recursive: -1}
	window := cfg.DynamicRange()

	loader, err := loaderPages(m.in.Loader)
	if err != nil {
		return p, err
	}
	m.loader = loader
	for _, l := range loader {
		if err := m.space.reserve("loader", l.Range); err != nil {
			return p, err
		}
	}

	img := m.in.Kernel
	span, ok := img.Span()
	if !ok {
		return p, fmt.Errorf("%w: kernel has no loadable data", elfload.ErrMalformedImage)
	}
	stackSize := cfg.StackSize()
	var bootInfoSize uint64
	if m.in.BootInfoSize > 0 {
		bootInfoSize = hostarch.PagesFor(m.in.BootInfoSize) * hostarch.PageSize
	} else {
		bootInfoSize = hostarch.PageSize
	}

	// Fixed ranges.
	kernelFixed := !img.PositionIndependent() || cfg.Mappings.KernelBase != nil
	if kernelFixed {
		p.kernelBase = span.Start
		if img.PositionIndependent() {
			p.kernelBase = cfg.Mappings.KernelBase.Addr()
		}
		if err := m.reserveLength("kernel", p.kernelBase, span.Length()); err != nil {
			return p, err
		}
	}
	if a := cfg.Mappings.StackBase; a != nil {
		p.stack = a.Addr()
		if err := m.reserveLength("kernel stack", p.stack-bootconfig.GuardSize, stackSize+2*bootconfig.GuardSize); err != nil {
			return p, err
		}
	}
	if a := cfg.Mappings.BootInfoBase; a != nil {
		p.bootInfo = a.Addr()
		if err := m.reserveLength("boot info", p.bootInfo, bootInfoSize); err != nil {
			return p, err
		}
	}
	if a := cfg.Mappings.FramebufferBase; a != nil && m.framebufferEnabled() {
		_, length := m.framebufferPages()
		p.framebuffer = a.Addr()
		if err := m.reserveLength("framebuffer", p.framebuffer, length); err != nil {
			return p, err
		}
	}
	if cfg.PhysicalMemoryMapping.Mode != bootconfig.ModeNone {
		p.windowSize = m.windowSize()
	}
	if cfg.PhysicalMemoryMapping.Mode == bootconfig.ModeFixed {
		p.window = cfg.PhysicalMemoryMapping.Address.Addr()
		end, ok := p.window.AddLength(p.windowSize)
		if !ok || (p.window < hostarch.UpperBottom && end > hostarch.LowerTop+1) {
			return p, fmt.Errorf("%w: physical memory window of %#x bytes does not fit at %v", ErrInsufficientAddressSpace, p.windowSize, p.window)
		}
		if err := m.space.reserve("physical memory window", hostarch.AddrRange{Start: p.window, End: end}); err != nil {
			return p, err
		}
	}
	if r := cfg.RecursiveIndex; r.Mode == bootconfig.ModeFixed {
		p.recursive = int(r.Index)
		slot := pagetables.AddrOfIndex(p.recursive)
		if err := m.reserveLength("recursive slot", slot, pagetables.PGDSize); err != nil {
			return p, err
		}
	}

	// The GDT frame is identity mapped like the loader.
	gdt, err := m.frames.AllocFrame()
	if err != nil {
		return p, err
	}
	m.layout.GDT = gdt.Address()
	if err := physmem.Zero(m.in.Memory, m.layout.GDT, hostarch.PageSize); err != nil {
		return p, err
	}
	if err := m.reserveLength("gdt", hostarch.Addr(m.layout.GDT), hostarch.PageSize); err != nil {
		return p, err
	}

	// Dynamic ranges.
	if !kernelFixed {
		// The bias must preserve each segment's alignment.
		align := img.MaxAlign()
		skew := uint64(span.Start) % align
		base, err := m.space.findFree(window, span.Length()+skew, align)
		if err != nil {
			return p, fmt.Errorf("placing kernel: %w", err)
		}
		p.kernelBase = base + hostarch.Addr(skew)
		m.mustReserve("kernel", p.kernelBase, span.Length())
	}
	if cfg.PhysicalMemoryMapping.Mode == bootconfig.ModeDynamic {
		base, err := m.space.findFree(window, p.windowSize, hostarch.GiantPageSize)
		if err != nil {
			return p, fmt.Errorf("placing physical memory window: %w", err)
		}
		p.window = base
		m.mustReserve("physical memory window", base, p.windowSize)
	}
	if cfg.Mappings.StackBase == nil {
		base, err := m.space.findFree(window, stackSize+2*bootconfig.GuardSize, hostarch.PageSize)
		if err != nil {
			return p, fmt.Errorf("placing kernel stack: %w", err)
		}
		m.mustReserve("kernel stack", base, stackSize+2*bootconfig.GuardSize)
		p.stack = base + bootconfig.GuardSize
	}
	if cfg.Mappings.BootInfoBase == nil {
		base, err := m.space.findFree(window, bootInfoSize, hostarch.PageSize)
		if err != nil {
			return p, fmt.Errorf("placing boot info: %w", err)
		}
		p.bootInfo = base
		m.mustReserve("boot info", base, bootInfoSize)
	}
	if cfg.Mappings.FramebufferBase == nil && m.framebufferEnabled() {
		_, length := m.framebufferPages()
		base, err := m.space.findFree(window, length, hostarch.PageSize)
		if err != nil {
			return p, fmt.Errorf("placing framebuffer: %w", err)
		}
		p.framebuffer = base
		m.mustReserve("framebuffer", base, length)
	}
	if cfg.RecursiveIndex.Mode == bootconfig.ModeDynamic {
		base, err := m.space.findFree(window, pagetables.PGDSize, pagetables.PGDSize)
		if err != nil {
			return p, fmt.Errorf("placing recursive slot: %w", err)
		}
		p.recursive = pagetables.IndexOf(base)
		m.mustReserve("recursive slot", base, pagetables.PGDSize)
	}

	m.layout.KernelBias = uint64(p.kernelBase - span.Start)
	m.layout.Kernel = hostarch.AddrRange{Start: p.kernelBase, End: p.kernelBase + hostarch.Addr(span.Length())}
	m.layout.Entry = img.Entry + hostarch.Addr(m.layout.KernelBias)
	if t := img.TLS; t != nil {
		tls := *t
		tls.VirtAddr += hostarch.Addr(m.layout.KernelBias)
		m.layout.TLS = &tls
	}
	log.Debugf("Placed kernel at %v, stack at %v, boot info at %v", m.layout.Kernel, p.stack, p.bootInfo)
	return p, nil
}

// reserveLength reserves [start, start+length), which must be canonical.
func (m *Manager) reserveLength(name string, start hostarch.Addr, length uint64) error {
	end, ok := start.AddLength(length)
	if !ok || !start.IsCanonical() || !(end - 1).IsCanonical() || (start <= hostarch.LowerTop) != (end-1 <= hostarch.LowerTop) {
		return fmt.Errorf("%w: %s [%v, +%#x) is not canonical", ErrInvalidConfiguration, name, start, length)
	}
	return m.space.reserve(name, hostarch.AddrRange{Start: start, End: end})
}

// mustReserve reserves a range returned by findFree.
func (m *Manager) mustReserve(name string, start hostarch.Addr, length uint64) {
	if err := m.reserveLength(name, start, length); err != nil {
		panic(fmt.Sprintf("reserving free range: %v", err))
	}
}

// mapLoader identity maps the loader and the GDT.
func (m *Manager) mapLoader() error {
	for _, l := range m.loader {
		opts := pagetables.MapOpts{AccessType: l.Access}
		if _, err := m.tables.Map(l.Range.Start, l.Range.Length(), opts, uint64(l.Range.Start)); err != nil {
			return fmt.Errorf("mapping loader %v: %w", l.Range, err)
		}
	}
	_, err := m.tables.Map(hostarch.Addr(m.layout.GDT), hostarch.PageSize, pagetables.MapOpts{AccessType: hostarch.Read}, m.layout.GDT)
	return err
}

// loaderPages rounds the loader segments out to whole pages and merges them
// into ascending, non-overlapping ranges. Segments are only sector aligned,
// so neighbours may share a page; such a page gets the union of their
// access, minus write if it would otherwise be writable and executable.
func loaderPages(segs []LoaderSegment) ([]LoaderSegment, error) {
	pages := make(map[hostarch.Addr]hostarch.AccessType)
	for _, l := range segs {
		r, ok := l.Range.RoundOut()
		if !ok {
			return nil, fmt.Errorf("%w: loader segment %v", ErrInsufficientAddressSpace, l.Range)
		}
		for a := r.Start; a < r.End; a += hostarch.PageSize {
			acc := pages[a]
			pages[a] = hostarch.AccessType{
				Read:    true,
				Write:   acc.Write || l.Access.Write,
				Execute: acc.Execute || l.Access.Execute,
			}
		}
	}
	starts := make([]hostarch.Addr, 0, len(pages))
	for a := range pages {
		starts = append(starts, a)
	}
	slices.Sort(starts)

	var out []LoaderSegment
	for _, a := range starts {
		acc := pages[a]
		if acc.Write && acc.Execute {
			acc.Write = false
		}
		if n := len(out); n > 0 && out[n-1].Range.End == a && out[n-1].Access == acc {
			out[n-1].Range.End += hostarch.PageSize
			continue
		}
		out = append(out, LoaderSegment{
			Range:  hostarch.AddrRange{Start: a, End: a + hostarch.PageSize},
			Access: acc,
		})
	}
	return out, nil
}

// mapFresh maps length bytes at addr to newly allocated, zeroed frames.
func (m *Manager) mapFresh(addr hostarch.Addr, length uint64, opts pagetables.MapOpts) error {
	for off := uint64(0); off < length; off += hostarch.PageSize {
		f, err := m.frames.AllocFrame()
		if err != nil {
			return err
		}
		if err := physmem.Zero(m.in.Memory, f.Address(), hostarch.PageSize); err != nil {
			return err
		}
		if _, err := m.tables.Map(addr+hostarch.Addr(off), hostarch.PageSize, opts, f.Address()); err != nil {
			return err
		}
	}
	return nil
}

// mapStack maps the kernel stack. The guard pages around it were reserved
// during placement and stay unmapped.
func (m *Manager) mapStack(base hostarch.Addr) error {
	size := m.in.Config.StackSize()
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	if err := m.mapFresh(base, size, opts); err != nil {
		return fmt.Errorf("mapping kernel stack: %w", err)
	}
	m.layout.Stack = hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)}
	return nil
}

// mapBootInfo maps physically contiguous, read-only boot information pages.
func (m *Manager) mapBootInfo(base hostarch.Addr) error {
	pages := max(hostarch.PagesFor(m.in.BootInfoSize), 1)
	f, err := m.frames.AllocContiguous(pages)
	if err != nil {
		return fmt.Errorf("allocating boot info: %w", err)
	}
	length := pages * hostarch.PageSize
	if err := physmem.Zero(m.in.Memory, f.Address(), length); err != nil {
		return err
	}
	opts := pagetables.MapOpts{AccessType: hostarch.Read, Global: true}
	if _, err := m.tables.Map(base, length, opts, f.Address()); err != nil {
		return fmt.Errorf("mapping boot info: %w", err)
	}
	m.layout.BootInfo = hostarch.AddrRange{Start: base, End: base + hostarch.Addr(length)}
	m.layout.BootInfoPhys = f.Address()
	return nil
}

// mapFramebuffer maps the framebuffer write-combining.
func (m *Manager) mapFramebuffer(base hostarch.Addr) error {
	if !m.framebufferEnabled() {
		return nil
	}
	phys, length := m.framebufferPages()
	opts := pagetables.MapOpts{
		AccessType: hostarch.ReadWrite,
		Global:     true,
		MemoryType: hostarch.MemoryTypeWriteCombine,
	}
	if _, err := m.tables.Map(base, length, opts, phys); err != nil {
		return fmt.Errorf("mapping framebuffer: %w", err)
	}
	m.layout.Framebuffer = base + hostarch.Addr(m.in.Framebuffer.Phys-phys)
	return nil
}

// mapPhysicalWindow maps all physical memory at base.
func (m *Manager) mapPhysicalWindow(base hostarch.Addr, size uint64) error {
	if size == 0 {
		return nil
	}
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	if _, err := m.tables.Map(base, size, opts, 0); err != nil {
		return fmt.Errorf("mapping physical memory window: %w", err)
	}
	m.layout.PhysicalWindow = hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)}
	return nil
}
