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

package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/bootinfo"
)

// Mode is a linear graphics mode offered by firmware.
type Mode struct {
	Width         uint32               `toml:"width" yaml:"width"`
	Height        uint32               `toml:"height" yaml:"height"`
	Stride        uint32               `toml:"stride" yaml:"stride"`
	BytesPerPixel uint32               `toml:"bytes_per_pixel" yaml:"bytes_per_pixel"`
	Format        bootinfo.PixelFormat `toml:"format" yaml:"format"`

	// Phys is the physical address of the framebuffer.
	Phys uint64 `toml:"phys" yaml:"phys"`
}

// String implements fmt.Stringer.String.
func (m *Mode) String() string {
	return fmt.Sprintf("%dx%d stride %d, %d bytes per pixel at %#x", m.Width, m.Height, m.Stride, m.BytesPerPixel, m.Phys)
}

// ByteLen returns the size of the framebuffer.
func (m *Mode) ByteLen() uint64 {
	return uint64(m.Stride) * uint64(m.Height) * uint64(m.BytesPerPixel)
}

func (m *Mode) bootInfo() *bootinfo.Framebuffer {
	return &bootinfo.Framebuffer{
		Addr:          m.Phys,
		ByteLen:       m.ByteLen(),
		Width:         m.Width,
		Height:        m.Height,
		Stride:        m.Stride,
		BytesPerPixel: m.BytesPerPixel,
		PixelFormat:   m.Format,
	}
}

// SelectMode returns the largest mode meeting the configured minimum
// resolution, or nil if none does. Among modes of equal area the first
// listed wins.
func SelectMode(modes []Mode, req bootconfig.Framebuffer) *Mode {
	var best *Mode
	for i := range modes {
		m := &modes[i]
		if m.Width < req.MinWidth || m.Height < req.MinHeight || m.ByteLen() == 0 {
			continue
		}
		if best == nil || uint64(m.Width)*uint64(m.Height) > uint64(best.Width)*uint64(best.Height) {
			best = m
		}
	}
	return best
}

// modesFile is the part of a machine description listing graphics modes.
// The same file may carry the memory map read by memmap.Load.
type modesFile struct {
	Modes []Mode `toml:"mode" yaml:"mode"`
}

// LoadModes reads the graphics modes described in path. Files ending in
// .yaml or .yml are decoded as YAML, everything else as TOML. Modes without
// a stride get one equal to their width.
func LoadModes(path string) ([]Mode, error) {
	var f modesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	}
	for i := range f.Modes {
		if f.Modes[i].Stride == 0 {
			f.Modes[i].Stride = f.Modes[i].Width
		}
	}
	return f.Modes, nil
}
