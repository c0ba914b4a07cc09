/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bufpool provides size-classed, pooled backing storage for
// ringbuf segments, built on top of bytedance/gopkg's mcache size-class
// pools. Every segment handed out has a power-of-two capacity, which
// lets a ring buffer grow (a Wayland message can in principle exceed
// the default capacity) without abandoning pooling.
package bufpool

import (
	"math/bits"

	"github.com/bytedance/gopkg/lang/mcache"
)

// minSegSize is the smallest segment bufpool ever hands out, matching
// the default ring buffer capacity.
const minSegSize = 4 << 10

// nextPow2 rounds n up to the nearest power of two, floored at
// minSegSize.
func nextPow2(n int) int {
	if n <= minSegSize {
		return minSegSize
	}
	return 1 << bits.Len(uint(n-1))
}

// Malloc returns a segment sized to hold at least size bytes, backed by
// the power-of-two mcache size class size rounds up to. The returned
// buf may not be zeroed. Call Free when the segment is no longer
// referenced by any ring buffer; never reuse buf after Free.
func Malloc(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	return mcache.Malloc(size, nextPow2(size))
}

// Cap returns the full usable capacity of a segment — its pool size
// class, not just the logical length it was requested with.
func Cap(buf []byte) int { return cap(buf) }

// Grow returns a segment at least twice the capacity of buf, with buf's
// contents copied into the front of it, and frees buf.
func Grow(buf []byte) []byte {
	next := Malloc(Cap(buf) * 2)
	next = next[:len(buf)]
	copy(next, buf)
	Free(buf)
	return next
}

// Free returns a segment to its pool. Safe to call with any []byte not
// referenced elsewhere; mcache silently drops slices too small or too
// large for its size classes.
func Free(buf []byte) {
	mcache.Free(buf)
}
