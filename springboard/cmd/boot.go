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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/bootinfo"
	"springboard.dev/springboard/pkg/diskimage"
	"springboard.dev/springboard/pkg/loader"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/physmem"
	"springboard.dev/springboard/pkg/ring0"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	memmap      string
	memSizeMiB  uint64
	mmap        bool
	bootInfoOut string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "replay the firmware handoff of an image in simulated memory"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] <image> - load the kernel of an image into simulated physical memory.

The payload files are placed the way the loader stages place them, the
kernel's address space and boot information are built and the mode
transition is recorded instead of performed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.memmap, "memmap", "", "machine description with [[region]] and optional [[mode]] tables. Overrides --mem-size.")
	f.Uint64Var(&b.memSizeMiB, "mem-size", 128, "size of simulated memory in MiB, laid out like a PC.")
	f.BoolVar(&b.mmap, "mmap", false, "back simulated memory with an anonymous mapping instead of sparse pages.")
	f.StringVar(&b.bootInfoOut, "bootinfo-out", "", "write the encoded boot information to this file.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	files, err := payloadFiles(f.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}
	fw, closeMem, err := b.firmware()
	if err != nil {
		return Errorf("%v", err)
	}
	defer closeMem()

	payload, segs, err := loader.Place(fw.Memory, files)
	if err != nil {
		return Errorf("placing payload: %v", err)
	}
	fw.Loader = segs
	if rsdp, ok := loader.FindRSDP(fw.Memory); ok {
		fw.RSDPAddr = &rsdp
	}

	var rec ring0.Recorder
	res, err := loader.New(fw, payload).Run(&rec)
	if err != nil {
		return Errorf("boot failed (%s): %v", loader.Kind(err), err)
	}

	l := res.Layout
	printf("entry %#x, cr3 %#x, rsp %#x, boot info %#x\n", uint64(l.Entry), l.CR3, rec.Context.RSP, uint64(l.BootInfo.Start))
	printf("kernel %v from %v, stack %v, %d page tables\n", l.Kernel, l.KernelPhys, l.Stack, l.Tables)
	if res.Mode != nil {
		printf("framebuffer %v\n", res.Mode)
	}
	for _, r := range res.Info.Regions {
		printf("region %v\n", r)
	}

	if b.bootInfoOut != "" {
		buf := make([]byte, bootinfo.Size(res.Info))
		if _, err := fw.Memory.ReadAt(buf, int64(l.BootInfoPhys)); err != nil {
			return Errorf("reading boot information: %v", err)
		}
		if err := os.WriteFile(b.bootInfoOut, buf, 0644); err != nil {
			return Errorf("writing boot information: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// closableMemory is physical memory holding host resources.
type closableMemory interface {
	physmem.Memory
	io.Closer
}

// firmware returns the simulated firmware state, before the payload is
// placed.
func (b *Boot) firmware() (loader.Firmware, func(), error) {
	var fw loader.Firmware
	if b.memmap != "" {
		m, err := memmap.Load(b.memmap)
		if err != nil {
			return fw, nil, err
		}
		if fw.Modes, err = loader.LoadModes(b.memmap); err != nil {
			return fw, nil, err
		}
		fw.Map = m
	} else {
		fw.Map = memmap.Default(b.memSizeMiB << 20)
	}
	size := memmap.Map(fw.Map).MaxPhysicalAddress()
	if size == 0 {
		return fw, nil, fmt.Errorf("memory map has no usable memory")
	}

	if !b.mmap {
		fw.Memory = physmem.NewSparse(size)
		return fw, func() {}, nil
	}
	mem, err := newMapped(size)
	if err != nil {
		return fw, nil, err
	}
	fw.Memory = mem
	return fw, func() {
		if err := mem.Close(); err != nil {
			log.Warningf("Unmapping simulated memory: %v", err)
		}
	}, nil
}

// payloadFiles reads the payload directory the way stage 2 does.
func payloadFiles(path string) (loader.Files, error) {
	file, rd, err := openImage(path)
	if err != nil {
		return loader.Files{}, err
	}
	defer file.Close()

	var files loader.Files
	for _, e := range []struct {
		name     string
		dst      *[]byte
		required bool
	}{
		{diskimage.FileStage3, &files.Stage3, true},
		{diskimage.FileStage4, &files.Stage4, true},
		{diskimage.FileKernel, &files.Kernel, true},
		{diskimage.FileConfig, &files.Config, false},
		{diskimage.FileRamdisk, &files.Ramdisk, false},
	} {
		data, ok, err := rd.ReadFile(e.name)
		if err != nil {
			return loader.Files{}, err
		}
		if !ok && e.required {
			return loader.Files{}, fmt.Errorf("%w: %s not found", diskimage.ErrInvalidImage, e.name)
		}
		*e.dst = data
	}
	return files, nil
}
