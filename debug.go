// Copyright 2024 The Cockroach Authors
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

package rawtable

import (
	"fmt"
	"strings"
)

func (t *Table[T]) checkInvariants() {
	if invariants {
		t.validate()
	}
}

// validate panics if the control bytes or counters of the table are
// inconsistent.
func (t *Table[T]) validate() {
	if t.isEmptySingleton() {
		if t.items != 0 || t.growthLeft != 0 {
			panic(fmt.Sprintf("invariant failed: empty singleton with items=%d growth-left=%d",
				t.items, t.growthLeft))
		}
		if t.ctrls != emptyGroup {
			panic("invariant failed: empty singleton does not use the shared empty group")
		}
		return
	}

	buckets := t.numBuckets()
	if buckets&t.bucketMask != 0 {
		panic(fmt.Sprintf("invariant failed: %d buckets is not a power of two", buckets))
	}

	// Verify the mirrored control bytes are good.
	for i := uintptr(0); i < min(buckets, GroupSize); i++ {
		j := ((i - GroupSize) & t.bucketMask) + GroupSize
		if ci, cj := *t.ctrls.At(i), *t.ctrls.At(j); ci != cj {
			panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
				i, ci, j, cj, t.debugString()))
		}
	}
	// Tables smaller than a group keep the bytes between the real and
	// the mirrored ones empty.
	for i := buckets; i < GroupSize; i++ {
		if c := *t.ctrls.At(i); c != ctrlEmpty {
			panic(fmt.Sprintf("invariant failed: trailing ctrl(%d)=%02x is not empty\n%s",
				i, c, t.debugString()))
		}
	}

	// Count the number of full, deleted and empty buckets.
	var full, deleted, empty uintptr
	for i := uintptr(0); i < buckets; i++ {
		switch c := *t.ctrls.At(i); {
		case c == ctrlDeleted:
			deleted++
		case c == ctrlEmpty:
			empty++
		case c.isFull():
			full++
		default:
			panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x is not a valid control byte\n%s",
				i, c, t.debugString()))
		}
	}

	if full != t.items {
		panic(fmt.Sprintf("invariant failed: found %d full buckets, but item count is %d\n%s",
			full, t.items, t.debugString()))
	}

	growthLeft := bucketMaskToCapacity(t.bucketMask) - t.items - deleted
	if growthLeft != t.growthLeft {
		panic(fmt.Sprintf("invariant failed: found %d growthLeft, but expected %d\n%s",
			t.growthLeft, growthLeft, t.debugString()))
	}

	// Probing, and the swap cascade of an in-place rehash, terminate at
	// the first group with an empty bucket.
	if empty == 0 {
		panic(fmt.Sprintf("invariant failed: no empty bucket\n%s", t.debugString()))
	}
}

func (t *Table[T]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  items=%d  growth-left=%d\n", t.numBuckets(), t.items, t.growthLeft)
	for i := uintptr(0); i < t.numCtrlBytes(); i++ {
		if t.isEmptySingleton() && i >= GroupSize {
			break
		}
		switch c := *t.ctrls.At(i); c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			if i < t.numBuckets() && c.isFull() {
				fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x]\n", i, *t.slots.At(i), c)
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, c)
			}
		}
	}
	return buf.String()
}
