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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/bootinfo"
	"springboard.dev/springboard/pkg/diskimage"
	"springboard.dev/springboard/pkg/elfload/elftest"
	"springboard.dev/springboard/pkg/hostarch"
	"springboard.dev/springboard/springboard/config"
)

const textAddr = 0xffffffff80000000

// execute runs c with args and returns its status and output.
func execute(t *testing.T, c subcommands.Command, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	var out bytes.Buffer
	old := Writer
	Writer = &out
	defer func() { Writer = old }()
	return c.Execute(context.Background(), f, &config.Config{LockTimeout: 1000}), out.String()
}

// inputs writes a complete set of build inputs to dir and returns the build
// flags naming them.
func inputs(t *testing.T, dir, conf string) []string {
	t.Helper()
	files := map[string][]byte{
		"stage1":  bytes.Repeat([]byte{0x90}, 400),
		"stage2":  bytes.Repeat([]byte{0x02}, 3000),
		"stage3":  bytes.Repeat([]byte{0x03}, 5000),
		"stage4":  bytes.Repeat([]byte{0x04}, 7000),
		"kernel":  elftest.Kernel(textAddr, 0x3000),
		"ramdisk": []byte("ramdisk contents"),
	}
	if conf != "" {
		files["config.toml"] = []byte(conf)
	}
	var args []string
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		args = append(args, "--"+strings.TrimSuffix(name, ".toml")+"="+path)
	}
	return args
}

const testConfig = `
kernel_args = "console=ttyS0"

[physical_memory_mapping]
mode = "dynamic"

[recursive_index]
mode = "dynamic"
`

func buildImage(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "disk.img")
	args := append(inputs(t, dir, testConfig), "--out="+out)
	if status, _ := execute(t, &Build{}, append(args, extra...)...); status != subcommands.ExitSuccess {
		t.Fatalf("build %v returned %v", args, status)
	}
	return out
}

func TestBuildAndInspect(t *testing.T) {
	img := buildImage(t, "--gpt")

	status, out := execute(t, &Inspect{}, "--format=json", img)
	if status != subcommands.ExitSuccess {
		t.Fatalf("inspect returned %v", status)
	}
	var r imageReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decoding report %q: %v", out, err)
	}
	var names []string
	for _, f := range r.Files {
		names = append(names, f.Name)
	}
	want := []string{
		diskimage.FileStage3,
		diskimage.FileStage4,
		diskimage.FileKernel,
		diskimage.FileConfig,
		diskimage.FileRamdisk,
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if r.GPT == nil || len(r.GPT.Partitions) != 2 {
		t.Errorf("GPT %+v, want two partitions", r.GPT)
	}
	if r.Config == nil || r.Config.KernelArgs != "console=ttyS0" || r.Config.RecursiveIndex.Mode != bootconfig.ModeDynamic {
		t.Errorf("config %+v, want the build configuration", r.Config)
	}

	status, out = execute(t, &Inspect{}, img)
	if status != subcommands.ExitSuccess {
		t.Fatalf("inspect returned %v", status)
	}
	for _, s := range []string{"partition 0: type 0x20 bootable", "gpt: disk", "file kernel-x86_64", `kernel_args = "console=ttyS0"`} {
		if !strings.Contains(out, s) {
			t.Errorf("inspect output missing %q:\n%s", s, out)
		}
	}
}

func TestBuildRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		conf string
		drop string
	}{
		{
			name: "stack on kernel",
			conf: "[mappings]\nstack_base = \"0xffffffff80000000\"\n",
		},
		{
			name: "bad config",
			conf: "[recursive_index]\nmode = \"sometimes\"\n",
		},
		{
			name: "missing kernel",
			drop: "--kernel=",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "disk.img")
			var args []string
			for _, a := range inputs(t, dir, tc.conf) {
				if tc.drop == "" || !strings.HasPrefix(a, tc.drop) {
					args = append(args, a)
				}
			}
			if status, _ := execute(t, &Build{}, append(args, "--out="+out)...); status != subcommands.ExitFailure {
				t.Errorf("build returned %v, want %v", status, subcommands.ExitFailure)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Errorf("image written despite failure: %v", err)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "kernel")
	if err := os.WriteFile(kernel, elftest.Kernel(textAddr, 0x3000), 0644); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("mappings:\n  stack_base: 0xffffc00000000000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[mappings]\nboot_info_base = \"0xffffffff80001000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	status, out := execute(t, &Check{}, "--kernel="+kernel, "--config="+good, "--print-config")
	if status != subcommands.ExitSuccess {
		t.Fatalf("check returned %v", status)
	}
	for _, s := range []string{"entry 0xffffffff80000000, 2 segments", "fixed: ", "OK"} {
		if !strings.Contains(out, s) {
			t.Errorf("check output missing %q:\n%s", s, out)
		}
	}

	if status, _ := execute(t, &Check{}, "--kernel="+kernel, "--config="+bad); status != subcommands.ExitFailure {
		t.Errorf("check with overlapping boot info returned %v, want %v", status, subcommands.ExitFailure)
	}
	if status, _ := execute(t, &Check{}); status != subcommands.ExitUsageError {
		t.Errorf("check without kernel returned %v, want %v", status, subcommands.ExitUsageError)
	}
}

func TestBoot(t *testing.T) {
	img := buildImage(t)
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "bootinfo.bin")

	status, out := execute(t, &Boot{}, "--mem-size=64", "--bootinfo-out="+infoPath, img)
	if status != subcommands.ExitSuccess {
		t.Fatalf("boot returned %v", status)
	}
	if !strings.Contains(out, "entry 0xffffffff80000000") {
		t.Errorf("boot output missing entry:\n%s", out)
	}

	data, err := os.ReadFile(infoPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatalf("empty boot information")
	}
	base, err := bootInfoBase(out)
	if err != nil {
		t.Fatalf("parsing boot info address from %q: %v", out, err)
	}
	info, err := bootinfo.Decode(data, base)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if info.KernelArgs != "console=ttyS0" {
		t.Errorf("KernelArgs = %q, want %q", info.KernelArgs, "console=ttyS0")
	}
	if err := bootinfo.CheckPartition(info.Regions, 64<<20); err != nil {
		t.Errorf("CheckPartition failed: %v", err)
	}
}

// bootInfoBase extracts the boot information address printed by boot.
func bootInfoBase(out string) (hostarch.Addr, error) {
	const prefix = "boot info "
	i := strings.Index(out, prefix)
	if i < 0 {
		return 0, fmt.Errorf("no %q", prefix)
	}
	field, _, _ := strings.Cut(out[i+len(prefix):], "\n")
	v, err := strconv.ParseUint(field, 0, 64)
	return hostarch.Addr(v), err
}

func TestBootMachineFile(t *testing.T) {
	img := buildImage(t)
	machine := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(machine, []byte(`
[[region]]
base = 0
length = 0x9f000
type = "usable"

[[region]]
base = 0x100000
length = 0x3f00000
type = "usable"

[[mode]]
width = 800
height = 600
bytes_per_pixel = 4
phys = 0x80000000
`), 0644); err != nil {
		t.Fatal(err)
	}

	status, out := execute(t, &Memmap{}, machine)
	if status != subcommands.ExitSuccess {
		t.Fatalf("memmap returned %v", status)
	}
	if !strings.Contains(out, "mode 800x600") {
		t.Errorf("memmap output missing mode:\n%s", out)
	}

	if status, _ := execute(t, &Boot{}, "--memmap="+machine, img); status != subcommands.ExitSuccess {
		t.Errorf("boot with machine file returned %v", status)
	}

	tiny := filepath.Join(t.TempDir(), "tiny.toml")
	if err := os.WriteFile(tiny, []byte("[[region]]\nbase = 0\nlength = 0x9f000\ntype = \"usable\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if status, _ := execute(t, &Boot{}, "--memmap="+tiny, img); status != subcommands.ExitFailure {
		t.Errorf("boot in 636 KiB returned %v, want %v", status, subcommands.ExitFailure)
	}
}
