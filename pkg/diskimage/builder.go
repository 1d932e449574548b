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
	"sync"

	"github.com/google/uuid"
	"springboard.dev/springboard/pkg/log"
)

// layout is the sector layout of an image.
type layout struct {
	stage2  Partition
	payload Partition
	gpt     bool
	total   uint64 // sectors
}

func newLayout(in *Inputs) layout {
	l := layout{gpt: in.GPT}
	l.stage2 = Partition{
		Index:    0,
		Type:     TypeStage2,
		Bootable: true,
		Start:    alignSectors,
		Sectors:  alignedSectors(uint64(len(in.Stage2))),
	}
	l.payload = Partition{
		Index:   1,
		Type:    TypePayload,
		Start:   l.stage2.Start + l.stage2.Sectors,
		Sectors: alignedSectors(bootfsSize(in.files())),
	}
	l.total = l.payload.Start + l.payload.Sectors
	if l.gpt {
		// Room for the backup table, keeping the size aligned.
		l.total += alignSectors
	}
	return l
}

func (l *layout) partitions() []Partition {
	parts := []Partition{l.stage2, l.payload}
	if l.gpt {
		parts = append(parts, Partition{
			Index:   2,
			Type:    TypeGPT,
			Start:   1,
			Sectors: l.stage2.Start - 1,
		})
	}
	return parts
}

// Builder assembles an image step by step. Its methods may be called from
// multiple goroutines; steps are serialized on the image buffer.
type Builder struct {
	mu     sync.Mutex
	state  State
	layout layout
	buf    []byte
	files  []FileInfo
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// State returns the builder's state.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// step checks that the builder is in state from. The caller holds mu.
func (b *Builder) step(from State, op string) error {
	if b.state != from {
		return fmt.Errorf("%w: cannot %s in state %q", ErrInvalidBuildState, op, b.state)
	}
	return nil
}

// WritePartitionTable sizes the image for in and writes the partition
// tables. Boot code is added by EmbedLoader.
func (b *Builder) WritePartitionTable(in *Inputs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.step(Empty, "write the partition table"); err != nil {
		return err
	}
	l := newLayout(in)
	buf := make([]byte, l.total*SectorSize)
	if err := writeMBR(buf[:SectorSize], nil, l.partitions()); err != nil {
		return err
	}
	if l.gpt {
		id := diskID(in)
		parts := []GPTPartition{
			{
				Type:     BIOSBootGUID,
				ID:       uuid.NewSHA1(id, []byte("stage-2")),
				FirstLBA: l.stage2.Start,
				LastLBA:  l.stage2.Start + l.stage2.Sectors - 1,
				Name:     "stage-2",
			},
			{
				Type:     BasicDataGUID,
				ID:       uuid.NewSHA1(id, []byte("bootfs")),
				FirstLBA: l.payload.Start,
				LastLBA:  l.payload.Start + l.payload.Sectors - 1,
				Name:     "bootfs",
			},
		}
		if err := writeGPT(buf, id, parts); err != nil {
			return err
		}
		log.Debugf("GPT disk %v", id)
	}
	b.layout = l
	b.buf = buf
	b.state = PartitionTableWritten
	log.Debugf("Partition table written: %v, %v, %d sectors", l.stage2, l.payload, l.total)
	return nil
}

// EmbedLoader writes the boot sector code and stage 2.
func (b *Builder) EmbedLoader(stage1, stage2 []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.step(PartitionTableWritten, "embed the loader"); err != nil {
		return err
	}
	if len(stage1) > MaxStage1Size {
		return fmt.Errorf("stage 1 is %d bytes, at most %d fit", len(stage1), MaxStage1Size)
	}
	if int64(len(stage2)) > b.layout.stage2.Size() {
		return fmt.Errorf("stage 2 is %d bytes, partition holds %d", len(stage2), b.layout.stage2.Size())
	}
	copy(b.buf, stage1)
	copy(b.buf[b.layout.stage2.Offset():], stage2)
	b.state = LoaderEmbedded
	return nil
}

// EmbedKernel writes the payload directory holding the later stages, the
// kernel, its configuration and the ramdisk.
func (b *Builder) EmbedKernel(files []File) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.step(LoaderEmbedded, "embed the kernel"); err != nil {
		return err
	}
	p := b.layout.payload
	if need := bootfsSize(files); need > uint64(p.Size()) {
		return fmt.Errorf("payload is %d bytes, partition holds %d", need, p.Size())
	}
	infos, err := writeBootfs(b.buf[p.Offset():p.Offset()+p.Size()], files)
	if err != nil {
		return err
	}
	b.files = infos
	b.state = KernelEmbedded
	return nil
}

// Finalize returns the finished image. The builder keeps no reference to
// it and accepts no further steps.
func (b *Builder) Finalize() (*Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.step(KernelEmbedded, "finalize"); err != nil {
		return nil, err
	}
	img := &Image{data: b.buf, partitions: b.layout.partitions(), files: b.files}
	b.buf = nil
	b.state = Finalized
	log.Infof("Disk image finalized: %d bytes", len(img.data))
	return img, nil
}

// Build runs every step for in.
func Build(in *Inputs) (*Image, error) {
	b := NewBuilder()
	if err := b.WritePartitionTable(in); err != nil {
		return nil, err
	}
	if err := b.EmbedLoader(in.Stage1, in.Stage2); err != nil {
		return nil, err
	}
	if err := b.EmbedKernel(in.files()); err != nil {
		return nil, err
	}
	return b.Finalize()
}

// Image is a finished, immutable disk image.
type Image struct {
	data       []byte
	partitions []Partition
	files      []FileInfo
}

// Size returns the image size in bytes.
func (i *Image) Size() int64 {
	return int64(len(i.data))
}

// Partitions returns the legacy partition entries.
func (i *Image) Partitions() []Partition {
	return append([]Partition(nil), i.partitions...)
}

// Files returns the payload directory.
func (i *Image) Files() []FileInfo {
	return append([]FileInfo(nil), i.files...)
}

// ReadAt implements io.ReaderAt.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(i.data)) {
		return 0, io.EOF
	}
	n := copy(p, i.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteTo implements io.WriterTo.
func (i *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(i.data)
	return int64(n), err
}
