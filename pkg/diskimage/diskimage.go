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

// Package diskimage assembles bootable disk images and reads them back.
//
// An image is a sequence of 512-byte sectors:
//
//	sector 0        stage 1 boot code, MBR partition table, 0x55AA
//	sectors 1-33    GPT header and entries (optional)
//	partition 1     stage 2, MBR type 0x20, bootable
//	partition 2     payload directory, MBR type 0xDA
//	last 33 sectors backup GPT entries and header (optional)
//
// Partitions start and end on 1 MiB boundaries. Images contain no
// timestamps or random identifiers, so identical inputs produce identical
// bytes.
package diskimage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBuildState is returned when a build step is taken out of
	// order.
	ErrInvalidBuildState = errors.New("invalid build state")

	// ErrInvalidImage is returned when an image cannot be parsed.
	ErrInvalidImage = errors.New("invalid disk image")
)

const (
	// SectorSize is the size of a sector.
	SectorSize = 512

	// Alignment is the alignment of every partition.
	Alignment = 1 << 20

	alignSectors = Alignment / SectorSize

	// MaxStage1Size is the room for boot code in front of the MBR
	// partition table.
	MaxStage1Size = 446
)

// MBR partition types.
const (
	TypeStage2  = 0x20
	TypePayload = 0xda
	TypeGPT     = 0xee
)

// Payload file names.
const (
	FileStage3  = "boot-stage-3"
	FileStage4  = "boot-stage-4"
	FileKernel  = "kernel-x86_64"
	FileConfig  = "boot-config"
	FileRamdisk = "ramdisk"
)

// State is the state of a Builder.
type State int

// Builder states, in order. Each step moves to the next state.
const (
	Empty State = iota
	PartitionTableWritten
	LoaderEmbedded
	KernelEmbedded
	Finalized
)

var stateNames = [...]string{
	Empty:                 "empty",
	PartitionTableWritten: "partition table written",
	LoaderEmbedded:        "loader embedded",
	KernelEmbedded:        "kernel embedded",
	Finalized:             "finalized",
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Inputs are the artifacts an image is built from.
type Inputs struct {
	// Stage1 is the boot sector code, at most MaxStage1Size bytes.
	Stage1 []byte

	// Stage2 is loaded by stage 1 from the first partition.
	Stage2 []byte

	// Stage3 and Stage4 are the remaining loader stages.
	Stage3 []byte
	Stage4 []byte

	// Kernel is the kernel ELF file.
	Kernel []byte

	// Config is the binary boot configuration.
	Config []byte

	// Ramdisk is optional.
	Ramdisk []byte

	// GPT adds a GUID partition table next to the MBR.
	GPT bool
}

// files returns the payload files in directory order.
func (in *Inputs) files() []File {
	fs := []File{
		{Name: FileStage3, Data: in.Stage3},
		{Name: FileStage4, Data: in.Stage4},
		{Name: FileKernel, Data: in.Kernel},
		{Name: FileConfig, Data: in.Config},
	}
	if len(in.Ramdisk) > 0 {
		fs = append(fs, File{Name: FileRamdisk, Data: in.Ramdisk})
	}
	return fs
}

func sectorsFor(n uint64) uint64 {
	return (n + SectorSize - 1) / SectorSize
}

// alignedSectors rounds n bytes up to whole, aligned sectors. Empty
// partitions still take one alignment unit.
func alignedSectors(n uint64) uint64 {
	s := sectorsFor(n)
	if s == 0 {
		s = 1
	}
	return (s + alignSectors - 1) / alignSectors * alignSectors
}
