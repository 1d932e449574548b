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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
)

func testInputs() *Inputs {
	return &Inputs{
		Stage1:  bytes.Repeat([]byte{0xeb}, 200),
		Stage2:  bytes.Repeat([]byte{0x02}, 3000),
		Stage3:  bytes.Repeat([]byte{0x03}, 5000),
		Stage4:  bytes.Repeat([]byte{0x04}, 70000),
		Kernel:  bytes.Repeat([]byte{0x7f}, 1<<20+1),
		Config:  []byte("config"),
		Ramdisk: []byte("ramdisk"),
		GPT:     true,
	}
}

func TestBuilderStates(t *testing.T) {
	in := testInputs()
	b := NewBuilder()
	if err := b.EmbedKernel(in.files()); !errors.Is(err, ErrInvalidBuildState) {
		t.Errorf("EmbedKernel before the partition table = %v, want %v", err, ErrInvalidBuildState)
	}
	if err := b.WritePartitionTable(in); err != nil {
		t.Fatalf("WritePartitionTable failed: %v", err)
	}
	if err := b.EmbedKernel(in.files()); !errors.Is(err, ErrInvalidBuildState) {
		t.Errorf("EmbedKernel before the loader = %v, want %v", err, ErrInvalidBuildState)
	}
	if _, err := b.Finalize(); !errors.Is(err, ErrInvalidBuildState) {
		t.Errorf("early Finalize = %v, want %v", err, ErrInvalidBuildState)
	}
	if b.State() != PartitionTableWritten {
		t.Errorf("failed steps changed the state to %v", b.State())
	}
	if err := b.EmbedLoader(in.Stage1, in.Stage2); err != nil {
		t.Fatalf("EmbedLoader failed: %v", err)
	}
	if err := b.EmbedLoader(in.Stage1, in.Stage2); !errors.Is(err, ErrInvalidBuildState) {
		t.Errorf("second EmbedLoader = %v, want %v", err, ErrInvalidBuildState)
	}
	if err := b.EmbedKernel(in.files()); err != nil {
		t.Fatalf("EmbedKernel failed: %v", err)
	}
	if _, err := b.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if b.State() != Finalized {
		t.Errorf("State() = %v, want %v", b.State(), Finalized)
	}
	if err := b.WritePartitionTable(in); !errors.Is(err, ErrInvalidBuildState) {
		t.Errorf("WritePartitionTable after Finalize = %v, want %v", err, ErrInvalidBuildState)
	}
}

func TestBuilderConcurrentSteps(t *testing.T) {
	in := testInputs()
	b := NewBuilder()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.WritePartitionTable(in); err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if oks != 1 {
		t.Errorf("%d concurrent WritePartitionTable calls succeeded, want 1", oks)
	}
}

func TestTooLarge(t *testing.T) {
	in := testInputs()
	in.Stage1 = make([]byte, MaxStage1Size+1)
	if _, err := Build(in); err == nil {
		t.Errorf("Build with a %d byte stage 1 succeeded", len(in.Stage1))
	}

	b := NewBuilder()
	in = testInputs()
	if err := b.WritePartitionTable(in); err != nil {
		t.Fatalf("WritePartitionTable failed: %v", err)
	}
	if err := b.EmbedLoader(in.Stage1, make([]byte, Alignment+1)); err == nil {
		t.Errorf("EmbedLoader with an oversized stage 2 succeeded")
	}
}

func TestReproducible(t *testing.T) {
	for _, gpt := range []bool{false, true} {
		build := func() *Image {
			in := testInputs()
			in.GPT = gpt
			img, err := Build(in)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			return img
		}
		if a, b := build(), build(); !bytes.Equal(a.data, b.data) {
			t.Errorf("GPT %t: images built from identical inputs differ", gpt)
		}
	}

	// The disk GUID follows the inputs.
	in := testInputs()
	a, _ := Build(in)
	in.Kernel = append(in.Kernel[:len(in.Kernel):len(in.Kernel)], 0)
	b, _ := Build(in)
	ga, err := mustOpen(t, a).GPT()
	if err != nil {
		t.Fatalf("GPT failed: %v", err)
	}
	gb, err := mustOpen(t, b).GPT()
	if err != nil {
		t.Fatalf("GPT failed: %v", err)
	}
	if ga.DiskID == gb.DiskID {
		t.Errorf("different kernels share disk GUID %v", ga.DiskID)
	}
}

func mustOpen(t *testing.T, img *Image) *Reader {
	t.Helper()
	rd, err := Open(img, img.Size())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return rd
}

func TestLayout(t *testing.T) {
	in := testInputs()
	img, err := Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if img.Size()%Alignment != 0 {
		t.Errorf("image size %d is not aligned", img.Size())
	}
	rd := mustOpen(t, img)
	boot, err := rd.BootSector()
	if err != nil {
		t.Fatalf("BootSector failed: %v", err)
	}
	if !bytes.Equal(boot[:len(in.Stage1)], in.Stage1) || boot[510] != 0x55 || boot[511] != 0xaa {
		t.Errorf("boot sector does not hold stage 1 and the signature")
	}

	want := []Partition{
		{Index: 0, Type: TypeStage2, Bootable: true, Start: 2048, Sectors: 2048},
		{Index: 1, Type: TypePayload, Start: 4096, Sectors: 4096},
		{Index: 2, Type: TypeGPT, Start: 1, Sectors: 2047},
	}
	if diff := cmp.Diff(want, rd.Partitions()); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(img.Partitions(), rd.Partitions()); diff != "" {
		t.Errorf("built and read partitions differ (-built +read):\n%s", diff)
	}
	for _, p := range rd.Partitions() {
		if p.Type != TypeGPT && p.Start%alignSectors != 0 {
			t.Errorf("partition %v is not aligned", p)
		}
	}

	stage2, err := rd.Stage2()
	if err != nil {
		t.Fatalf("Stage2 failed: %v", err)
	}
	if !bytes.Equal(stage2[:len(in.Stage2)], in.Stage2) {
		t.Errorf("stage 2 contents differ")
	}
	for _, f := range in.files() {
		got, ok, err := rd.ReadFile(f.Name)
		if err != nil || !ok {
			t.Fatalf("ReadFile(%q) = %t, %v", f.Name, ok, err)
		}
		if !bytes.Equal(got, f.Data) {
			t.Errorf("file %q differs", f.Name)
		}
	}
	if _, ok, _ := rd.ReadFile("missing"); ok {
		t.Errorf("ReadFile found a missing file")
	}
	if diff := cmp.Diff(img.Files(), rd.Files()); diff != "" {
		t.Errorf("built and read files differ (-built +read):\n%s", diff)
	}
}

func TestGPT(t *testing.T) {
	img, err := Build(testInputs())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	rd := mustOpen(t, img)
	primary, err := rd.GPT()
	if err != nil {
		t.Fatalf("GPT failed: %v", err)
	}
	backup, err := rd.BackupGPT()
	if err != nil {
		t.Fatalf("BackupGPT failed: %v", err)
	}
	if primary.Backup != uint64(img.Size()/SectorSize-1) || backup.Backup != 1 {
		t.Errorf("alternate LBAs %d and %d", primary.Backup, backup.Backup)
	}
	if diff := cmp.Diff(primary.Partitions, backup.Partitions); diff != "" {
		t.Errorf("primary and backup entries differ (-primary +backup):\n%s", diff)
	}
	if len(primary.Partitions) != 2 {
		t.Fatalf("got %d GPT partitions, want 2", len(primary.Partitions))
	}
	s2, payload := primary.Partitions[0], primary.Partitions[1]
	if s2.Type != BIOSBootGUID || s2.Name != "stage-2" || s2.FirstLBA != 2048 || s2.LastLBA != 4095 {
		t.Errorf("stage 2 entry %+v", s2)
	}
	if payload.Type != BasicDataGUID || payload.Name != "bootfs" || payload.FirstLBA != 4096 {
		t.Errorf("payload entry %+v", payload)
	}
	if s2.ID == payload.ID || s2.ID == primary.DiskID {
		t.Errorf("partition GUIDs are not unique: %v %v %v", primary.DiskID, s2.ID, payload.ID)
	}

	// A corrupted entry is caught by the CRC.
	img.data[2*SectorSize+40]++
	if _, err := rd.GPT(); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("GPT with a corrupted entry = %v, want %v", err, ErrInvalidImage)
	}

	noGPT := testInputs()
	noGPT.GPT = false
	img, err = Build(noGPT)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g, err := mustOpen(t, img).GPT(); g != nil || err != nil {
		t.Errorf("GPT() = %v, %v on an MBR-only image", g, err)
	}
}

func TestGUIDEncoding(t *testing.T) {
	g := toDisk(BasicDataGUID)
	want := [16]byte{0xa2, 0xa0, 0xd0, 0xeb, 0xe5, 0xb9, 0x33, 0x44, 0x87, 0xc0, 0x68, 0xb6, 0xb7, 0x26, 0x99, 0xc7}
	if g != want {
		t.Errorf("toDisk(%v) = %x, want %x", BasicDataGUID, g, want)
	}
	if got := fromDisk(g); got != BasicDataGUID {
		t.Errorf("fromDisk(toDisk(%v)) = %v", BasicDataGUID, got)
	}
}

func TestOpenRejects(t *testing.T) {
	for _, tc := range []struct {
		name    string
		corrupt func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:100] }},
		{"signature", func(b []byte) []byte { b[511] = 0; return b }},
		{"no stage 2", func(b []byte) []byte { b[mbrEntriesOffset+4] = 0x83; return b }},
		{"truncated", func(b []byte) []byte { return b[:3*Alignment] }},
		{"directory", func(b []byte) []byte { b[2*Alignment] = 'X'; return b }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img, err := Build(testInputs())
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			data := tc.corrupt(append([]byte(nil), img.data...))
			if _, err := Open(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrInvalidImage) {
				t.Errorf("Open = %v, want %v", err, ErrInvalidImage)
			}
		})
	}
}

func TestWriteFile(t *testing.T) {
	img, err := Build(testInputs())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	if err := WriteFile(context.Background(), path, img); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, img.data) {
		t.Errorf("written image differs")
	}

	// A held lock makes writers wait until their context expires, and the
	// existing image is left alone.
	held := flock.NewFlock(path + ".lock")
	if err := held.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer held.Unlock()
	other, err := Build(&Inputs{Stage2: []byte{1}, Kernel: []byte{2}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := WriteFile(ctx, path, other); !errors.Is(err, errLocked) {
		t.Errorf("WriteFile with the lock held = %v, want %v", err, errLocked)
	}
	if got, _ := os.ReadFile(path); !bytes.Equal(got, img.data) {
		t.Errorf("image changed while locked")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "disk.img" && e.Name() != "disk.img.lock" {
			t.Errorf("unexpected file %q left behind", e.Name())
		}
	}
}
