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

// Package loader drives a boot from firmware handoff to the kernel jump.
//
// Run checks its inputs, builds the kernel's address space, writes the boot
// information and prepares the mode switch. Everything that can fail does
// so before the Jumper is invoked.
package loader

import (
	"fmt"

	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/bootinfo"
	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/mm"
	"springboard.dev/springboard/pkg/physmem"
	"springboard.dev/springboard/pkg/ring0"
)

// Firmware is what the boot environment hands to the loader.
type Firmware struct {
	// Map is the raw firmware memory map.
	Map []memmap.Region

	// Memory is physical memory.
	Memory physmem.Memory

	// Loader are the loader's own segments.
	Loader []mm.LoaderSegment

	// Modes are the available graphics modes.
	Modes []Mode

	// RSDPAddr is the ACPI root pointer, if known.
	RSDPAddr *uint64
}

// Payload is the kernel and its configuration, already in physical memory.
type Payload struct {
	// Kernel are the kernel file bytes, stored at KernelPhys.
	Kernel     []byte
	KernelPhys uint64

	Config *bootconfig.Config

	// Ramdisk is the physical range holding the ramdisk, if any.
	Ramdisk hostarch.AddrRange
}

// Result describes a completed boot.
type Result struct {
	Image   *elfload.Image
	Layout  *mm.Layout
	Info    *bootinfo.Info
	Mode    *Mode
	Context ring0.Context
}

// Loader holds the state of one boot.
type Loader struct {
	fw         Firmware
	payload    Payload
	transition *ring0.Transition
}

// New returns a loader for the given firmware state and payload.
func New(fw Firmware, payload Payload) *Loader {
	return &Loader{
		fw:         fw,
		payload:    payload,
		transition: ring0.NewTransition(),
	}
}

// State returns the state of the mode transition.
func (l *Loader) State() ring0.State {
	return l.transition.State()
}

// Run boots the kernel through j. With a hardware Jumper it only returns on
// error.
func (l *Loader) Run(j ring0.Jumper) (*Result, error) {
	res, err := l.prepare()
	if err != nil {
		return nil, err
	}
	log.Infof("Entering kernel at %v with boot info at %v", res.Layout.Entry, res.Layout.BootInfo.Start)
	if err := l.transition.Jump(j); err != nil {
		return nil, err
	}
	return res, nil
}

// prepare does all fallible work and leaves the transition Mapped.
func (l *Loader) prepare() (*Result, error) {
	cfg := l.payload.Config
	if cfg == nil {
		cfg = bootconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	img, err := elfload.Parse(l.payload.Kernel)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	log.Infof("Kernel: %v, entry %v, %d segments", img.Type, img.Entry, len(img.Segments))

	// Check the map before any frame is handed out from it.
	physMap, err := memmap.Normalize(l.fw.Map)
	if err != nil {
		log.Warningf("Firmware memory map is inconsistent: %v", err)
		return nil, err
	}

	var (
		mode *Mode
		fb   *mm.Framebuffer
	)
	if cfg.Framebuffer.Enabled {
		if mode = SelectMode(l.fw.Modes, cfg.Framebuffer); mode != nil {
			log.Infof("Framebuffer: %v", mode)
			fb = &mm.Framebuffer{Phys: mode.Phys, Size: mode.ByteLen()}
		} else {
			log.Warningf("No graphics mode of at least %dx%d, continuing without a framebuffer", cfg.Framebuffer.MinWidth, cfg.Framebuffer.MinHeight)
		}
	}

	// The allocator's claimed ranges are broken up at most once per map
	// entry and reserved range.
	carves := len(l.fw.Map) + 2*len(l.fw.Loader) + 4
	capacity := bootinfo.Capacity(bootinfo.MaxRegions(len(l.fw.Map), carves), len(cfg.KernelArgs))

	m, err := mm.New(mm.Inputs{
		Config:       cfg,
		Map:          physMap,
		Memory:       l.fw.Memory,
		Kernel:       img,
		KernelPhys:   l.payload.KernelPhys,
		Loader:       l.fw.Loader,
		Framebuffer:  fb,
		Ramdisk:      l.payload.Ramdisk,
		BootInfoSize: capacity,
	})
	if err != nil {
		return nil, err
	}
	layout, err := m.Build()
	if err != nil {
		return nil, err
	}

	var bfb *bootinfo.Framebuffer
	if mode != nil {
		bfb = mode.bootInfo()
	}
	loaderRanges := make([]hostarch.AddrRange, 0, len(l.fw.Loader))
	for _, s := range l.fw.Loader {
		// Whole pages: the tail of a partly used loader page is not free.
		r, _ := s.Range.RoundOut()
		loaderRanges = append(loaderRanges, r)
	}
	info, err := bootinfo.Build(bootinfo.BuildInput{
		Config:      cfg,
		Layout:      layout,
		Map:         l.fw.Map,
		Loader:      loaderRanges,
		Claimed:     m.Frames().Claimed(),
		Ramdisk:     l.payload.Ramdisk,
		Framebuffer: bfb,
		RSDPAddr:    l.fw.RSDPAddr,
	})
	if err != nil {
		return nil, err
	}
	if err := bootinfo.Write(l.fw.Memory, layout, info); err != nil {
		return nil, err
	}

	target := ring0.Target{
		CR3:      layout.CR3,
		Entry:    layout.Entry,
		StackTop: layout.StackTop(),
		BootInfo: layout.BootInfo.Start,
		GDT:      layout.GDT,
	}
	if err := l.transition.Prepare(l.fw.Memory, target, ring0.TablesLookup(l.fw.Memory, layout.CR3)); err != nil {
		return nil, err
	}
	return &Result{
		Image:   img,
		Layout:  layout,
		Info:    info,
		Mode:    mode,
		Context: l.transition.Context(),
	}, nil
}
