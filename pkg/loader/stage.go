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

package loader

import (
	"fmt"

	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/mm"
	"springboard.dev/springboard/pkg/physmem"
)

// Physical load addresses used by the early stages.
const (
	// Stage3Addr is where stage 2 places stage 3. Stage 4 follows it on
	// the next sector boundary.
	Stage3Addr = 1 << 20

	// KernelAddr is where the kernel file is read to.
	KernelAddr = 16 << 20

	sectorSize = 512
)

// Files are the contents of the payload partition.
type Files struct {
	Stage3  []byte
	Stage4  []byte
	Kernel  []byte
	Config  []byte
	Ramdisk []byte
}

// Place copies files into mem as stages 2 and 3 do: stage 3 at 1 MiB, stage
// 4 behind it, the kernel at 16 MiB and the ramdisk on the page after the
// kernel. It returns the payload and the loader segments to keep mapped.
func Place(mem physmem.Memory, f Files) (Payload, []mm.LoaderSegment, error) {
	cfg := bootconfig.Default()
	if len(f.Config) > 0 {
		if err := cfg.UnmarshalBinary(f.Config); err != nil {
			return Payload{}, nil, err
		}
	}

	stage4Addr, _ := hostarch.AlignUp(uint64(Stage3Addr+len(f.Stage3)), sectorSize)
	stage4End := stage4Addr + uint64(len(f.Stage4))
	if stage4End > KernelAddr {
		return Payload{}, nil, fmt.Errorf("stages 3 and 4 end at %#x, beyond the kernel at %#x", stage4End, KernelAddr)
	}
	var segs []mm.LoaderSegment
	for _, s := range []struct {
		name string
		addr uint64
		data []byte
	}{
		{"stage 3", Stage3Addr, f.Stage3},
		{"stage 4", stage4Addr, f.Stage4},
	} {
		if len(s.data) == 0 {
			continue
		}
		if _, err := mem.WriteAt(s.data, int64(s.addr)); err != nil {
			return Payload{}, nil, fmt.Errorf("placing %s: %w", s.name, err)
		}
		segs = append(segs, mm.LoaderSegment{
			Range:  hostarch.AddrRange{Start: hostarch.Addr(s.addr), End: hostarch.Addr(s.addr + uint64(len(s.data)))},
			Access: hostarch.ReadExecute,
		})
		log.Debugf("Placed %s at %#x, %d bytes", s.name, s.addr, len(s.data))
	}

	if _, err := mem.WriteAt(f.Kernel, KernelAddr); err != nil {
		return Payload{}, nil, fmt.Errorf("placing kernel: %w", err)
	}
	p := Payload{
		Kernel:     f.Kernel,
		KernelPhys: KernelAddr,
		Config:     cfg,
	}
	if len(f.Ramdisk) > 0 {
		start := hostarch.Addr(KernelAddr + uint64(len(f.Kernel))).MustRoundUp()
		if _, err := mem.WriteAt(f.Ramdisk, int64(start)); err != nil {
			return Payload{}, nil, fmt.Errorf("placing ramdisk: %w", err)
		}
		p.Ramdisk = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(len(f.Ramdisk))}
	}
	return p, segs, nil
}
