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

package diskimage

import (
	"fmt"

	"springboard.dev/springboard/pkg/binary"
)

const (
	mbrEntriesOffset = 446
	mbrEntries       = 4
	mbrEntrySize     = 16
	mbrSignature     = 0xaa55

	statusBootable = 0x80
)

// lbaOnlyCHS marks a CHS address as unused.
var lbaOnlyCHS = [3]byte{0xfe, 0xff, 0xff}

// mbrEntry is a legacy partition table entry.
type mbrEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	LBAStart uint32
	Sectors  uint32
}

// Partition is a legacy partition table entry.
type Partition struct {
	// Index is the entry's slot, 0 to 3.
	Index    int
	Type     uint8
	Bootable bool

	// Start and Sectors are in sectors.
	Start   uint64
	Sectors uint64
}

// String implements fmt.Stringer.String.
func (p Partition) String() string {
	boot := ""
	if p.Bootable {
		boot = " bootable"
	}
	return fmt.Sprintf("%d: type %#02x%s, sectors [%d, %d)", p.Index, p.Type, boot, p.Start, p.Start+p.Sectors)
}

// Offset returns the byte offset of the partition.
func (p Partition) Offset() int64 {
	return int64(p.Start) * SectorSize
}

// Size returns the byte size of the partition.
func (p Partition) Size() int64 {
	return int64(p.Sectors) * SectorSize
}

func (p Partition) entry() (mbrEntry, error) {
	if p.Start+p.Sectors > 1<<32 {
		return mbrEntry{}, fmt.Errorf("partition %v beyond the reach of the MBR", p)
	}
	e := mbrEntry{
		CHSFirst: lbaOnlyCHS,
		Type:     p.Type,
		CHSLast:  lbaOnlyCHS,
		LBAStart: uint32(p.Start),
		Sectors:  uint32(p.Sectors),
	}
	if p.Bootable {
		e.Status = statusBootable
	}
	return e, nil
}

// writeMBR fills sector with the boot code and partition table.
func writeMBR(sector []byte, stage1 []byte, parts []Partition) error {
	if len(stage1) > MaxStage1Size {
		return fmt.Errorf("stage 1 is %d bytes, at most %d fit", len(stage1), MaxStage1Size)
	}
	copy(sector, stage1)
	for _, p := range parts {
		e, err := p.entry()
		if err != nil {
			return err
		}
		binary.PutAt(sector, mbrEntriesOffset+p.Index*mbrEntrySize, binary.LittleEndian, &e)
	}
	binary.LittleEndian.PutUint16(sector[SectorSize-2:], mbrSignature)
	return nil
}

// readMBR parses the partition table in sector. Empty slots are skipped.
func readMBR(sector []byte) ([]Partition, error) {
	if len(sector) < SectorSize || binary.LittleEndian.Uint16(sector[SectorSize-2:]) != mbrSignature {
		return nil, fmt.Errorf("%w: missing boot signature", ErrInvalidImage)
	}
	var parts []Partition
	for i := 0; i < mbrEntries; i++ {
		var e mbrEntry
		off := mbrEntriesOffset + i*mbrEntrySize
		binary.Unmarshal(sector[off:off+mbrEntrySize], binary.LittleEndian, &e)
		if e.Type == 0 {
			continue
		}
		parts = append(parts, Partition{
			Index:    i,
			Type:     e.Type,
			Bootable: e.Status&statusBootable != 0,
			Start:    uint64(e.LBAStart),
			Sectors:  uint64(e.Sectors),
		})
	}
	return parts, nil
}
