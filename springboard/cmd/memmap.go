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

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/loader"
	"springboard.dev/springboard/pkg/memmap"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	memSizeMiB uint64
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print a normalized machine description"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [--mem-size=<MiB>] [<file>] - print the memory map and graphics modes boot would use.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.memSizeMiB, "mem-size", 128, "size of the default map in MiB, used without a file.")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var (
		mm    memmap.Map
		modes []loader.Mode
		err   error
	)
	switch f.NArg() {
	case 0:
		mm = memmap.Default(m.memSizeMiB << 20)
	case 1:
		if mm, err = memmap.Load(f.Arg(0)); err != nil {
			return Errorf("%v", err)
		}
		if modes, err = loader.LoadModes(f.Arg(0)); err != nil {
			return Errorf("%v", err)
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	for _, r := range mm {
		printf("%v\n", r)
	}
	printf("usable %#x bytes, highest address %#x\n", mm.UsableBytes(), mm.MaxPhysicalAddress())
	for i := range modes {
		printf("mode %v\n", &modes[i])
	}
	return subcommands.ExitSuccess
}
