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
	"fmt"

	"springboard.dev/springboard/pkg/binary"
)

// The payload partition starts with a directory sector followed by the file
// contents, each starting on a sector boundary.
const (
	bootfsMagic     = "SPRBOOTF"
	bootfsVersion   = 1
	bootfsMaxFiles  = 8
	bootfsNameSize  = 32
	bootfsEntrySize = bootfsNameSize + 16
)

// File is a file in the payload directory.
type File struct {
	Name string
	Data []byte
}

// FileInfo describes a file in the payload directory. Offset is relative to
// the start of the partition.
type FileInfo struct {
	Name   string
	Offset uint64
	Size   uint64
}

type bootfsHeader struct {
	Magic   [8]byte
	Version uint32
	Count   uint32
}

type bootfsEntry struct {
	Name   [bootfsNameSize]byte
	Offset uint64
	Size   uint64
}

// bootfsSize returns the bytes needed to store files.
func bootfsSize(files []File) uint64 {
	n := uint64(SectorSize)
	for _, f := range files {
		n += sectorsFor(uint64(len(f.Data))) * SectorSize
	}
	return n
}

// writeBootfs lays files out in part, which must hold bootfsSize(files)
// bytes.
func writeBootfs(part []byte, files []File) ([]FileInfo, error) {
	if len(files) > bootfsMaxFiles {
		return nil, fmt.Errorf("%d payload files, at most %d", len(files), bootfsMaxFiles)
	}
	h := bootfsHeader{Version: bootfsVersion, Count: uint32(len(files))}
	copy(h.Magic[:], bootfsMagic)
	binary.PutAt(part, 0, binary.LittleEndian, &h)

	infos := make([]FileInfo, 0, len(files))
	off := uint64(SectorSize)
	for i, f := range files {
		if len(f.Name) == 0 || len(f.Name) >= bootfsNameSize {
			return nil, fmt.Errorf("bad payload file name %q", f.Name)
		}
		e := bootfsEntry{Offset: off, Size: uint64(len(f.Data))}
		copy(e.Name[:], f.Name)
		binary.PutAt(part, int(binary.Size(&h))+i*bootfsEntrySize, binary.LittleEndian, &e)
		copy(part[off:], f.Data)
		infos = append(infos, FileInfo{Name: f.Name, Offset: off, Size: e.Size})
		off += sectorsFor(e.Size) * SectorSize
	}
	return infos, nil
}

// readBootfs parses the directory at the start of a payload partition of
// size bytes.
func readBootfs(dir []byte, size uint64) ([]FileInfo, error) {
	var h bootfsHeader
	if err := binary.Decode(dir, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: payload directory: %v", ErrInvalidImage, err)
	}
	if !bytes.Equal(h.Magic[:], []byte(bootfsMagic)) || h.Version != bootfsVersion {
		return nil, fmt.Errorf("%w: no payload directory", ErrInvalidImage)
	}
	if h.Count > bootfsMaxFiles {
		return nil, fmt.Errorf("%w: %d payload files", ErrInvalidImage, h.Count)
	}
	infos := make([]FileInfo, 0, h.Count)
	base := int(binary.Size(&h))
	for i := 0; i < int(h.Count); i++ {
		var e bootfsEntry
		if err := binary.Decode(dir[base+i*bootfsEntrySize:], binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("%w: payload directory: %v", ErrInvalidImage, err)
		}
		if e.Offset+e.Size > size || e.Offset+e.Size < e.Offset {
			return nil, fmt.Errorf("%w: payload file %d beyond partition", ErrInvalidImage, i)
		}
		name := string(bytes.TrimRight(e.Name[:], "\x00"))
		infos = append(infos, FileInfo{Name: name, Offset: e.Offset, Size: e.Size})
	}
	return infos, nil
}
