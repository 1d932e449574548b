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
	"io"
)

// Reader reads an image the way stage 2 does: it finds the stage 2
// partition by type and takes the payload from the entry after it.
type Reader struct {
	r          io.ReaderAt
	size       int64
	partitions []Partition
	stage2     Partition
	payload    Partition
	files      []FileInfo
}

// Open parses the partition table and payload directory of the image of
// size bytes in r.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	sector := make([]byte, SectorSize)
	if err := readFull(r, sector, 0, size); err != nil {
		return nil, err
	}
	parts, err := readMBR(sector)
	if err != nil {
		return nil, err
	}
	rd := &Reader{r: r, size: size, partitions: parts}

	found := false
	for i, p := range parts {
		if p.Type != TypeStage2 {
			continue
		}
		if i+1 >= len(parts) || parts[i+1].Index != p.Index+1 {
			return nil, fmt.Errorf("%w: no partition after stage 2", ErrInvalidImage)
		}
		rd.stage2, rd.payload = p, parts[i+1]
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: no stage 2 partition", ErrInvalidImage)
	}
	for _, p := range []Partition{rd.stage2, rd.payload} {
		if p.Offset()+p.Size() > size || p.Sectors == 0 {
			return nil, fmt.Errorf("%w: partition %v beyond image of %d bytes", ErrInvalidImage, p, size)
		}
	}

	dir := make([]byte, SectorSize)
	if err := readFull(r, dir, rd.payload.Offset(), size); err != nil {
		return nil, err
	}
	if rd.files, err = readBootfs(dir, uint64(rd.payload.Size())); err != nil {
		return nil, err
	}
	return rd, nil
}

func readFull(r io.ReaderAt, p []byte, off, size int64) error {
	if off+int64(len(p)) > size {
		return fmt.Errorf("%w: read of %d bytes at %d beyond image of %d bytes", ErrInvalidImage, len(p), off, size)
	}
	if _, err := r.ReadAt(p, off); err != nil && err != io.EOF {
		return fmt.Errorf("reading image at %d: %w", off, err)
	}
	return nil
}

// Partitions returns the legacy partition entries.
func (rd *Reader) Partitions() []Partition {
	return append([]Partition(nil), rd.partitions...)
}

// Files returns the payload directory.
func (rd *Reader) Files() []FileInfo {
	return append([]FileInfo(nil), rd.files...)
}

// Stage2 returns the contents of the stage 2 partition.
func (rd *Reader) Stage2() ([]byte, error) {
	buf := make([]byte, rd.stage2.Size())
	if err := readFull(rd.r, buf, rd.stage2.Offset(), rd.size); err != nil {
		return nil, err
	}
	return buf, nil
}

// BootSector returns sector 0.
func (rd *Reader) BootSector() ([]byte, error) {
	buf := make([]byte, SectorSize)
	if err := readFull(rd.r, buf, 0, rd.size); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFile returns the contents of the named payload file. ok is false if
// there is no such file.
func (rd *Reader) ReadFile(name string) (data []byte, ok bool, err error) {
	for _, f := range rd.files {
		if f.Name != name {
			continue
		}
		buf := make([]byte, f.Size)
		if err := readFull(rd.r, buf, rd.payload.Offset()+int64(f.Offset), rd.size); err != nil {
			return nil, true, err
		}
		return buf, true, nil
	}
	return nil, false, nil
}

// GPT returns the verified primary GUID partition table, or nil if the
// image has none.
func (rd *Reader) GPT() (*GPT, error) {
	hasGPT := false
	for _, p := range rd.partitions {
		hasGPT = hasGPT || p.Type == TypeGPT
	}
	if !hasGPT {
		return nil, nil
	}
	n := min(rd.stage2.Offset(), rd.size)
	buf := make([]byte, n)
	if err := readFull(rd.r, buf, 0, rd.size); err != nil {
		return nil, err
	}
	return readGPT(buf, 1)
}

// BackupGPT returns the verified backup table.
func (rd *Reader) BackupGPT() (*GPT, error) {
	buf := make([]byte, rd.size)
	if err := readFull(rd.r, buf, 0, rd.size); err != nil {
		return nil, err
	}
	return readGPT(buf, uint64(rd.size/SectorSize-1))
}
