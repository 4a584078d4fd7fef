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
	"math/bits"
)

// Reserve ensures that at least additional elements can be inserted into
// the table without reallocation. It panics with ErrCapacityOverflow or an
// *AllocError if the storage cannot be provided.
func (t *Table[T]) Reserve(additional int, hasher func(v *T) uint64) {
	if additional < 0 {
		panic(ErrCapacityOverflow)
	}
	if uintptr(additional) > t.growthLeft {
		_ = t.reserveRehash(uintptr(additional), hasher, infallible)
	}
}

// TryReserve tries to ensure that at least additional elements can be
// inserted into the table without reallocation. On failure the table is
// unchanged.
func (t *Table[T]) TryReserve(additional int, hasher func(v *T) uint64) error {
	if additional < 0 {
		return ErrCapacityOverflow
	}
	if uintptr(additional) > t.growthLeft {
		return t.reserveRehash(uintptr(additional), hasher, fallible)
	}
	return nil
}

// reserveRehash is the slow path for Reserve and TryReserve.
func (t *Table[T]) reserveRehash(additional uintptr, hasher func(v *T) uint64, f fallibility) error {
	newItems, carry := bits.Add(uint(t.items), uint(additional), 0)
	if carry != 0 {
		return f.capacityOverflow()
	}
	fullCapacity := bucketMaskToCapacity(t.bucketMask)
	if uintptr(newItems) <= fullCapacity/2 {
		// Rehash in-place without re-allocating if we have plenty of spare
		// capacity that is locked up due to deleted entries.
		t.rehashInPlace(hasher)
		return nil
	}
	// Otherwise, conservatively resize to at least the next size up to avoid
	// churning deletes into frequent rehashes.
	return t.resize(max(uintptr(newItems), fullCapacity+1), hasher, f)
}

// probeIndex returns which group of the probe sequence starting at start
// the bucket at pos falls in.
func (t *Table[T]) probeIndex(pos, start uintptr) uintptr {
	return ((pos - start) & t.bucketMask) / GroupSize
}

// rehashInPlace rehashes the contents of the table without changing the
// allocation. If hasher panics then some of the table's contents may be
// lost: elements that were not rehashed yet are released.
func (t *Table[T]) rehashInPlace(hasher func(v *T) uint64) {
	if debug {
		fmt.Printf("rehash: %d/%d\n", t.items, t.numBuckets())
	}

	// We want to drop all of the tombstones in place. We first walk over the
	// control bytes and mark every deleted bucket as empty and every full
	// bucket as deleted. Marking the deleted buckets as empty has
	// effectively dropped the tombstones, but we fouled up the probe
	// invariant. Marking the full buckets as deleted gives us a marker to
	// locate the previously full buckets.
	buckets := t.numBuckets()
	for i := uintptr(0); i < buckets; i += GroupSize {
		p := t.ctrls.At(i)
		loadGroup(p).convertSpecialToEmptyAndFullToDeleted().store(p)
	}

	// Fixup the mirrored control bytes. See the comments in setCtrl for the
	// handling of tables smaller than the group size.
	if buckets < GroupSize {
		copy(t.ctrls.Slice(GroupSize, GroupSize+buckets), t.ctrls.Slice(0, buckets))
	} else {
		copy(t.ctrls.Slice(buckets, buckets+GroupSize), t.ctrls.Slice(0, GroupSize))
	}

	// If the hash function panics then release any elements that we haven't
	// rehashed yet. We can't preserve them since we lost their hash and have
	// no way of recovering it without risking another panic.
	committed := false
	defer func() {
		if committed {
			return
		}
		for i := uintptr(0); i < buckets; i++ {
			if *t.ctrls.At(i) == ctrlDeleted {
				t.setCtrl(i, ctrlEmpty)
				t.items--
				bucketAt(t.slots, i).drop(t.release)
			}
		}
		t.growthLeft = bucketMaskToCapacity(t.bucketMask) - t.items
	}()

	// Now we walk over all of the deleted buckets (a.k.a. the previously full
	// buckets) and re-insert them at their ideal position. Note that as this
	// loop proceeds we have the invariant that there are no deleted buckets
	// in the range [0, i). We may move the element at i to the range [0, i)
	// if that is where the first group with an empty bucket in its probe
	// chain resides, but we never set a bucket in [0, i) to deleted.
outer:
	for i := uintptr(0); i < buckets; i++ {
		if *t.ctrls.At(i) != ctrlDeleted {
			continue
		}
		item := bucketAt(t.slots, i)
		for {
			h := hasher(item.ptr)
			target := t.findInsertSlot(h)

			// Probing works by scanning through all of the control bytes in
			// groups, which may not be aligned to the group size. If both the
			// new and old position fall within the same unaligned group, then
			// there is no benefit in moving it and we can just continue to
			// the next item.
			start := h1(h) & t.bucketMask
			if t.probeIndex(i, start) == t.probeIndex(target, start) {
				if debug {
					fmt.Printf("rehash: %d not moving\n", i)
				}
				t.setCtrl(i, h2(h))
				continue outer
			}

			prev := *t.ctrls.At(target)
			t.setCtrl(target, h2(h))
			switch prev {
			case ctrlEmpty:
				if debug {
					fmt.Printf("rehash: %d -> %d replacing empty\n", i, target)
				}
				// The target bucket is empty. Transfer the element to the
				// empty bucket and mark the bucket at index i as empty.
				t.setCtrl(i, ctrlEmpty)
				bucketAt(t.slots, target).copyFrom(item)
				item.take()
				continue outer
			case ctrlDeleted:
				if debug {
					fmt.Printf("rehash: %d -> %d swapping\n", i, target)
				}
				// The target bucket holds an element that has not been
				// rehashed yet. Swap our element with it and then repeat
				// processing of index i which now holds the element which was
				// at target.
				bucketAt(t.slots, target).swap(item)
			default:
				panic(fmt.Sprintf("ctrl at position %d (%02x) should be empty or deleted",
					target, prev))
			}
		}
	}

	t.growthLeft = bucketMaskToCapacity(t.bucketMask) - t.items
	committed = true

	if debug {
		fmt.Printf("rehash: done: items=%d growth-left=%d\n", t.items, t.growthLeft)
	}
	t.checkInvariants()
}

// resize allocates a new table of a different size and moves the contents
// of the current table into it. We know that no insertion into the new
// table will find an already-present element, that there are no deleted
// buckets in it and that there is enough room, so a simplified insert is
// used.
func (t *Table[T]) resize(capacity uintptr, hasher func(v *T) uint64, f fallibility) error {
	if invariants && t.items > capacity {
		panic(fmt.Sprintf("resize to %d below %d items", capacity, t.items))
	}

	nt, err := t.fallibleWithCapacity(capacity, f)
	if err != nil {
		return err
	}
	nt.growthLeft -= t.items
	nt.items = t.items

	if debug {
		fmt.Printf("resize: buckets=%d->%d  growth-left=%d\n",
			t.numBuckets(), nt.numBuckets(), nt.growthLeft)
	}

	// The hash function may panic, in which case we simply free the new
	// table without releasing any elements that may have been copied into
	// it. The original table is untouched.
	committed := false
	defer func() {
		if !committed {
			nt.freeBuckets()
		}
	}()

	it := t.Iter()
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		h := hasher(b.ptr)
		i := nt.findInsertSlot(h)
		nt.setCtrl(i, h2(h))
		bucketAt(nt.slots, i).copyFrom(b)
	}
	committed = true

	// Replace t with the new table. The old table has its memory freed but
	// the elements are not released since they have been moved.
	old := *t
	*t = nt
	old.freeBuckets()
	t.checkInvariants()
	return nil
}

// ShrinkTo shrinks the table to fit max(t.Len(), minSize) elements.
// Shrinking to zero releases every element and frees the allocation.
func (t *Table[T]) ShrinkTo(minSize int, hasher func(v *T) uint64) {
	size := t.items
	if minSize > 0 && uintptr(minSize) > size {
		size = uintptr(minSize)
	}
	if size == 0 {
		t.Close()
		return
	}

	// If the calculation overflows then the requested bucket count must be
	// larger than what we have and nothing needs to be done.
	minBuckets, ok := capacityToBuckets(size)
	if !ok || minBuckets >= t.numBuckets() {
		return
	}

	if t.items == 0 {
		nt, _ := t.fallibleWithCapacity(size, infallible)
		t.freeBuckets()
		*t = nt
		return
	}
	_ = t.resize(size, hasher, infallible)
}
