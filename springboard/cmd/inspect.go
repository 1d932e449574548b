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
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/diskimage"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print the partitions, payload files and configuration of an image"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <image> - print the contents of a disk image.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.format, "format", "text", "output format: text or json.")
}

// imageReport is the decoded content of an image.
type imageReport struct {
	Size       int64                 `json:"size"`
	Partitions []diskimage.Partition `json:"partitions"`
	GPT        *diskimage.GPT        `json:"gpt,omitempty"`
	Files      []diskimage.FileInfo  `json:"files"`
	Config     *bootconfig.Config    `json:"config,omitempty"`
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || (i.format != "text" && i.format != "json") {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r, err := inspectImage(f.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}

	if i.format == "json" {
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return Errorf("marshaling report: %v", err)
		}
		printf("%s\n", b)
		return subcommands.ExitSuccess
	}

	printf("image: %d bytes\n", r.Size)
	for _, p := range r.Partitions {
		printf("partition %v\n", p)
	}
	if r.GPT != nil {
		printf("gpt: disk %v, backup header at LBA %d\n", r.GPT.DiskID, r.GPT.Backup)
		for _, p := range r.GPT.Partitions {
			printf("  %q %v type %v, LBA [%d, %d]\n", p.Name, p.ID, p.Type, p.FirstLBA, p.LastLBA)
		}
	}
	for _, fi := range r.Files {
		printf("file %-16s offset %#x, %d bytes\n", fi.Name, fi.Offset, fi.Size)
	}
	if r.Config != nil {
		text, err := r.Config.WriteTOML()
		if err != nil {
			return Errorf("encoding configuration: %v", err)
		}
		printf("config:\n%s", text)
	}
	return subcommands.ExitSuccess
}

// openImage opens the image at path for reading.
func openImage(path string) (*os.File, *diskimage.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	rd, err := diskimage.Open(file, st.Size())
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return file, rd, nil
}

func inspectImage(path string) (*imageReport, error) {
	file, rd, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return nil, err
	}

	r := &imageReport{
		Size:       st.Size(),
		Partitions: rd.Partitions(),
		Files:      rd.Files(),
	}
	if r.GPT, err = rd.GPT(); err != nil {
		return nil, fmt.Errorf("primary GPT: %w", err)
	}
	if r.GPT != nil {
		backup, err := rd.BackupGPT()
		if err != nil {
			return nil, fmt.Errorf("backup GPT: %w", err)
		}
		if backup.DiskID != r.GPT.DiskID {
			return nil, fmt.Errorf("%w: backup GPT disk %v differs from primary %v", diskimage.ErrInvalidImage, backup.DiskID, r.GPT.DiskID)
		}
	}

	data, ok, err := rd.ReadFile(diskimage.FileConfig)
	if err != nil {
		return nil, err
	}
	if ok {
		r.Config = bootconfig.Default()
		if err := r.Config.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", diskimage.FileConfig, err)
		}
	}
	return r, nil
}
