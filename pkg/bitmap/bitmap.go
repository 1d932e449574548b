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

// Package bitmap provides a growable bitmap, used to track claimed page
// frames.
package bitmap

import (
	"math"
	"math/bits"
)

// MaxBitEntryLimit is the upper limit on the bits a Bitmap can hold.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap is a set of small integers. The zero value is empty and ready to
// use.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits, 64 per block.
	bitBlock []uint64
}

// New returns an empty Bitmap with room for size bits before it grows.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// Add sets bit i, growing the bitmap as needed.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := int(i/64), uint64(1)<<(i%64)
	if n := len(b.bitBlock); blockNum >= n {
		b.bitBlock = append(b.bitBlock, make([]uint64, blockNum-n+1)...)
	}
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Contains returns whether i is set.
func (b *Bitmap) Contains(i uint32) bool {
	blockNum := int(i / 64)
	return blockNum < len(b.bitBlock) && b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// next returns the first bit at or after start whose value is one, or zero
// if one is false. Bits past the end of the bitmap are zero.
func (b *Bitmap) next(start uint32, one bool) (uint32, bool) {
	i := int(start / 64)
	for ; i < len(b.bitBlock); i++ {
		w := b.bitBlock[i]
		if !one {
			w = ^w
		}
		if i == int(start/64) {
			w &= ^uint64(0) << (start % 64)
		}
		if w != 0 {
			return uint32(i*64 + bits.TrailingZeros64(w)), true
		}
	}
	if one {
		return 0, false
	}
	return max(start, uint32(len(b.bitBlock)*64)), true
}

// Run is a maximal sequence of set bits [Start, End).
type Run struct {
	Start uint32
	End   uint32
}

// Runs returns the set bits as ascending, non-adjacent runs.
func (b *Bitmap) Runs() []Run {
	var runs []Run
	for pos := uint32(0); ; {
		start, ok := b.next(pos, true)
		if !ok {
			return runs
		}
		end, _ := b.next(start, false)
		runs = append(runs, Run{Start: start, End: end})
		pos = end
	}
}
