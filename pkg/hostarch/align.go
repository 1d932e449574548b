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

package hostarch

import (
	"golang.org/x/exp/constraints"
)

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is false if the result wraps.
func AlignUp[T constraints.Unsigned](v, align T) (T, bool) {
	r := AlignDown(v+align-1, align)
	return r, r >= v
}

// IsAligned returns whether v is a multiple of align.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor[T constraints.Unsigned](n T) T {
	return T((uint64(n) + PageSize - 1) >> PageShift)
}
