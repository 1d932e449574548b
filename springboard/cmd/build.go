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
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/diskimage"
	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/springboard/config"
)

// Build implements subcommands.Command for the "build" command.
type Build struct {
	stage1  string
	stage2  string
	stage3  string
	stage4  string
	kernel  string
	config  string
	ramdisk string
	gpt     bool
	out     string
}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build a bootable disk image"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build --stage1=<file> --stage2=<file> --stage3=<file> --stage4=<file> --kernel=<file> [--config=<file>] [--ramdisk=<file>] [--gpt] --out=<image>

Build validates the kernel against the boot configuration and writes a disk
image holding the loader stages, the kernel, the binary configuration and
the optional ramdisk.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Build) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.stage1, "stage1", "", "boot sector code.")
	f.StringVar(&b.stage2, "stage2", "", "second stage, loaded from the first partition.")
	f.StringVar(&b.stage3, "stage3", "", "third stage.")
	f.StringVar(&b.stage4, "stage4", "", "fourth stage.")
	f.StringVar(&b.kernel, "kernel", "", "kernel ELF file.")
	f.StringVar(&b.config, "config", "", "boot configuration (TOML, or YAML if ending in .yaml). Defaults apply if empty.")
	f.StringVar(&b.ramdisk, "ramdisk", "", "optional ramdisk.")
	f.BoolVar(&b.gpt, "gpt", false, "add a GUID partition table next to the MBR.")
	f.StringVar(&b.out, "out", "", "path of the image to write.")
}

// Execute implements subcommands.Command.Execute.
func (b *Build) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || b.out == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	in, err := b.inputs(ctx)
	if err != nil {
		return Errorf("%v", err)
	}
	img, err := diskimage.Build(in)
	if err != nil {
		return Errorf("building image: %v", err)
	}

	if conf.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(conf.LockTimeout)*time.Millisecond)
		defer cancel()
	}
	if err := diskimage.WriteFile(ctx, b.out, img); err != nil {
		return Errorf("writing %q: %v", b.out, err)
	}
	log.Infof("Wrote %q, %d bytes", b.out, img.Size())
	for _, p := range img.Partitions() {
		log.Debugf("Partition %v", p)
	}
	return subcommands.ExitSuccess
}

// inputs reads and validates every input file concurrently.
func (b *Build) inputs(ctx context.Context) (*diskimage.Inputs, error) {
	in := &diskimage.Inputs{GPT: b.gpt}
	required := []struct {
		name string
		path string
		dst  *[]byte
	}{
		{"stage1", b.stage1, &in.Stage1},
		{"stage2", b.stage2, &in.Stage2},
		{"stage3", b.stage3, &in.Stage3},
		{"stage4", b.stage4, &in.Stage4},
		{"kernel", b.kernel, &in.Kernel},
	}
	for _, r := range required {
		if r.path == "" {
			return nil, fmt.Errorf("--%s is required", r.name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	read := func(path string, dst *[]byte) {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			*dst = data
			return nil
		})
	}
	for _, r := range required {
		read(r.path, r.dst)
	}
	if b.ramdisk != "" {
		read(b.ramdisk, &in.Ramdisk)
	}
	var cfg *bootconfig.Config
	g.Go(func() error {
		var err error
		cfg, err = loadConfig(b.config)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := checkKernel(in.Kernel, cfg); err != nil {
		return nil, err
	}
	data, err := cfg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	in.Config = data
	return in, nil
}

// loadConfig loads the configuration at path, or the default one.
func loadConfig(path string) (*bootconfig.Config, error) {
	if path == "" {
		return bootconfig.Default(), nil
	}
	cfg, err := bootconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %q: %w", path, err)
	}
	return cfg, nil
}

// checkKernel parses the kernel and validates cfg against it.
func checkKernel(kernel []byte, cfg *bootconfig.Config) (*elfload.Image, error) {
	img, err := elfload.Parse(kernel)
	if err != nil {
		return nil, fmt.Errorf("parsing kernel: %w", err)
	}
	if err := cfg.ValidateForKernel(img); err != nil {
		return nil, err
	}
	return img, nil
}
