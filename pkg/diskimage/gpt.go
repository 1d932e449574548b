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
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"springboard.dev/springboard/pkg/binary"
)

const (
	gptSignature    = "EFI PART"
	gptRevision     = 0x00010000
	gptHeaderSize   = 92
	gptEntries      = 128
	gptEntrySize    = 128
	gptEntrySectors = gptEntries * gptEntrySize / SectorSize

	// gptSectors is the size of one copy of the table: header and entries.
	gptSectors = 1 + gptEntrySectors
)

// Partition type GUIDs.
var (
	BIOSBootGUID  = uuid.MustParse("21686148-6449-6e6f-744e-656564454649")
	BasicDataGUID = uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")
)

// namespace derives the disk and partition GUIDs of every image.
var namespace = uuid.MustParse("4f6b3c2e-5d7a-4b8e-9c1f-2a3b4c5d6e7f")

// gptHeader is the on-disk GPT header.
type gptHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC      uint32
	_              uint32
	MyLBA          uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

// gptEntry is an on-disk partition entry.
type gptEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [36]uint16
}

// GPTPartition is a GPT partition entry.
type GPTPartition struct {
	Type     uuid.UUID
	ID       uuid.UUID
	FirstLBA uint64
	LastLBA  uint64
	Name     string
}

// GPT is a decoded GUID partition table.
type GPT struct {
	DiskID     uuid.UUID
	Backup     uint64
	Partitions []GPTPartition
}

// toDisk converts u to the mixed-endian layout used on disk: the first
// three fields are little endian.
func toDisk(u uuid.UUID) [16]byte {
	var g [16]byte
	copy(g[:], u[:])
	reverse(g[0:4])
	reverse(g[4:6])
	reverse(g[6:8])
	return g
}

// fromDisk is the inverse of toDisk.
func fromDisk(g [16]byte) uuid.UUID {
	reverse(g[0:4])
	reverse(g[4:6])
	reverse(g[6:8])
	return uuid.UUID(g)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func encodeName(s string) [36]uint16 {
	var n [36]uint16
	for i, r := range []rune(s) {
		if i == len(n) {
			break
		}
		n[i] = uint16(r)
	}
	return n
}

func decodeName(n [36]uint16) string {
	var rs []rune
	for _, c := range n {
		if c == 0 {
			break
		}
		rs = append(rs, rune(c))
	}
	return string(rs)
}

// diskID derives the disk GUID from the image inputs.
func diskID(in *Inputs) uuid.UUID {
	h := sha256.New()
	for _, b := range [][]byte{in.Stage1, in.Stage2, in.Stage3, in.Stage4, in.Kernel, in.Config, in.Ramdisk} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	return uuid.NewSHA1(namespace, h.Sum(nil))
}

// writeGPT writes the primary table at sector 1 and the backup in the last
// gptSectors sectors of disk.
func writeGPT(disk []byte, id uuid.UUID, parts []GPTPartition) error {
	total := uint64(len(disk)) / SectorSize
	if len(parts) > gptEntries {
		return fmt.Errorf("%d GPT partitions, at most %d", len(parts), gptEntries)
	}
	entries := make([]byte, gptEntries*gptEntrySize)
	for i, p := range parts {
		e := gptEntry{
			TypeGUID:   toDisk(p.Type),
			UniqueGUID: toDisk(p.ID),
			FirstLBA:   p.FirstLBA,
			LastLBA:    p.LastLBA,
			Name:       encodeName(p.Name),
		}
		binary.PutAt(entries, i*gptEntrySize, binary.LittleEndian, &e)
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	backupLBA := total - 1
	primary := gptHeader{
		Revision:       gptRevision,
		HeaderSize:     gptHeaderSize,
		MyLBA:          1,
		AlternateLBA:   backupLBA,
		FirstUsableLBA: 1 + gptSectors,
		LastUsableLBA:  total - gptSectors - 1,
		DiskGUID:       toDisk(id),
		EntriesLBA:     2,
		NumEntries:     gptEntries,
		EntrySize:      gptEntrySize,
		EntriesCRC:     entriesCRC,
	}
	copy(primary.Signature[:], gptSignature)
	backup := primary
	backup.MyLBA, backup.AlternateLBA = backupLBA, 1
	backup.EntriesLBA = backupLBA - gptEntrySectors

	for _, h := range []*gptHeader{&primary, &backup} {
		h.HeaderCRC = crc32.ChecksumIEEE(binary.Marshal(nil, binary.LittleEndian, h))
		off := int(h.MyLBA) * SectorSize
		binary.PutAt(disk, off, binary.LittleEndian, h)
		copy(disk[int(h.EntriesLBA)*SectorSize:], entries)
	}
	return nil
}

// readGPT parses and verifies the table whose header is at lba.
func readGPT(disk []byte, lba uint64) (*GPT, error) {
	off := lba * SectorSize
	if off+SectorSize > uint64(len(disk)) {
		return nil, fmt.Errorf("%w: GPT header at LBA %d beyond image", ErrInvalidImage, lba)
	}
	var h gptHeader
	binary.Unmarshal(disk[off:off+gptHeaderSize], binary.LittleEndian, &h)
	if !bytes.Equal(h.Signature[:], []byte(gptSignature)) || h.HeaderSize != gptHeaderSize {
		return nil, fmt.Errorf("%w: no GPT header at LBA %d", ErrInvalidImage, lba)
	}
	crc := h.HeaderCRC
	h.HeaderCRC = 0
	if got := crc32.ChecksumIEEE(binary.Marshal(nil, binary.LittleEndian, &h)); got != crc {
		return nil, fmt.Errorf("%w: GPT header CRC %#x, want %#x", ErrInvalidImage, got, crc)
	}
	if h.EntrySize != gptEntrySize || h.NumEntries > gptEntries {
		return nil, fmt.Errorf("%w: unsupported GPT entries: %d of %d bytes", ErrInvalidImage, h.NumEntries, h.EntrySize)
	}
	start := h.EntriesLBA * SectorSize
	end := start + uint64(h.NumEntries)*gptEntrySize
	if end > uint64(len(disk)) || end < start {
		return nil, fmt.Errorf("%w: GPT entries beyond image", ErrInvalidImage)
	}
	entries := disk[start:end]
	if got := crc32.ChecksumIEEE(entries); got != h.EntriesCRC {
		return nil, fmt.Errorf("%w: GPT entries CRC %#x, want %#x", ErrInvalidImage, got, h.EntriesCRC)
	}

	g := &GPT{DiskID: fromDisk(h.DiskGUID), Backup: h.AlternateLBA}
	for i := uint32(0); i < h.NumEntries; i++ {
		var e gptEntry
		binary.Unmarshal(entries[i*gptEntrySize:(i+1)*gptEntrySize], binary.LittleEndian, &e)
		if e.TypeGUID == ([16]byte{}) {
			continue
		}
		g.Partitions = append(g.Partitions, GPTPartition{
			Type:     fromDisk(e.TypeGUID),
			ID:       fromDisk(e.UniqueGUID),
			FirstLBA: e.FirstLBA,
			LastLBA:  e.LastLBA,
			Name:     decodeName(e.Name),
		})
	}
	return g, nil
}
