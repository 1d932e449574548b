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
	"os"

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/log"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	kernel      string
	config      string
	printConfig bool
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate a kernel against a boot configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check --kernel=<file> [--config=<file>] [--print-config] - run the checks done by build without writing an image.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kernel, "kernel", "", "kernel ELF file.")
	f.StringVar(&c.config, "config", "", "boot configuration. Defaults apply if empty.")
	f.BoolVar(&c.printConfig, "print-config", false, "print the effective configuration as TOML.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.kernel == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.kernel)
	if err != nil {
		return Errorf("reading kernel: %v", err)
	}
	cfg, err := loadConfig(c.config)
	if err != nil {
		return Errorf("%v", err)
	}
	img, err := checkKernel(data, cfg)
	if err != nil {
		return Errorf("%v", err)
	}

	printf("kernel: %v, entry %v, %d segments", img.Type, img.Entry, len(img.Segments))
	if img.PositionIndependent() {
		printf(", position independent, %d relocations", len(img.Relocations))
	}
	printf("\n")
	for _, s := range img.Segments {
		printf("  segment %v %v\n", s.Range(), s.Access)
	}
	if img.TLS != nil {
		printf("  tls %v+%#x\n", img.TLS.VirtAddr, img.TLS.MemSize)
	}
	extents, err := cfg.FixedExtents()
	if err != nil {
		return Errorf("%v", err)
	}
	for _, e := range extents {
		printf("fixed: %v\n", e)
	}
	if c.printConfig {
		text, err := cfg.WriteTOML()
		if err != nil {
			return Errorf("encoding configuration: %v", err)
		}
		printf("%s", text)
	}
	log.Infof("Kernel %q passes configuration checks", c.kernel)
	printf("OK\n")
	return subcommands.ExitSuccess
}
