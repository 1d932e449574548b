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
	"errors"

	"springboard.dev/springboard/pkg/bootconfig"
	"springboard.dev/springboard/pkg/elfload"
	"springboard.dev/springboard/pkg/frame"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/pkg/memmap"
	"springboard.dev/springboard/pkg/mm"
	"springboard.dev/springboard/pkg/ring0"
)

// Kind names the class of a boot error.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, frame.ErrOutOfMemory):
		return "out of memory"
	case errors.Is(err, mm.ErrInsufficientAddressSpace):
		return "insufficient address space"
	case errors.Is(err, memmap.ErrInconsistentMemoryMap):
		return "inconsistent memory map"
	case errors.Is(err, bootconfig.ErrInvalidConfiguration):
		return "invalid configuration"
	case errors.Is(err, elfload.ErrMalformedImage):
		return "malformed image"
	case errors.Is(err, elfload.ErrUnsupportedFormat):
		return "unsupported format"
	case errors.Is(err, ring0.ErrInvalidContext), errors.Is(err, ring0.ErrInvalidState):
		return "invalid transition"
	default:
		return "internal error"
	}
}

// halt stops the machine. Tests replace it.
var halt = haltMachine

// Halt reports err and stops the machine. There is nothing to retry: the
// memory map that caused the failure will not change within this boot.
func Halt(err error) {
	log.Warningf("Boot failed (%s): %v", Kind(err), err)
	halt()
}

// Main runs a boot and halts on failure. With a hardware Jumper it never
// returns.
func Main(fw Firmware, payload Payload, j ring0.Jumper) {
	if _, err := New(fw, payload).Run(j); err != nil {
		Halt(err)
	}
}
