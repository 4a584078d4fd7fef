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

// Package rawtable is a Go implementation of the core of Swiss Tables as
// described in https://abseil.io/about/design/swisstables. See also:
// https://faultlore.com/blah/hashbrown-tldr/.
//
// Google's C++ implementation:
//
//	https://github.com/abseil/abseil-cpp/blob/master/absl/container/internal/raw_hash_set.h
//
// # Raw tables
//
// A Table[T] stores values of type T and knows nothing about keys. Every
// operation that needs to locate an element takes the element's 64-bit hash
// and an equality predicate from the caller, and every operation that may
// move elements (growth, in-place rehash, shrinking) takes a hasher. Map and
// set types are expected to be layered on top; the table itself performs no
// duplicate detection.
//
// Swiss tables use open-addressing rather than chaining to handle
// collisions. A hybrid between linear and quadratic probing is used - linear
// probing within groups of small fixed size and quadratic probing at the
// group level. The key design choice of Swiss tables is the usage of a
// separate metadata array that stores 1 byte per bucket in the table. 7-bits
// of this "control byte" are taken from hash(key) and the remaining bit is
// used to indicate whether the bucket is full or special (empty or deleted).
// The metadata array allows quick probes: GroupSize control bytes are
// compared at once through bit tricks (SWAR, SIMD Within A Register), or one
// byte at a time by the portable backend (build tag rawtable_portable).
//
// A table's layout is N buckets where N is a power of 2 and N+GroupSize
// control bytes. The [N:N+GroupSize] control bytes mirror the first
// GroupSize control bytes so that probe operations at the end of the control
// bytes array do not have to perform additional checks. Tables with fewer
// than GroupSize buckets mirror their bytes at [GroupSize:GroupSize+N] and
// keep the bytes in between empty.
//
// Probing starts at h1(hash)%N and examines the GroupSize control bytes at
// that index. Groups are not aligned on a GroupSize boundary (i.e. groups
// are conceptual, not physical, and they overlap) and an unaligned memory
// access is performed. Probing walks through groups using a triangular
// sequence until it finds a group that has at least one empty bucket. The
// load factor (7/8 for tables of 8 or more buckets, one bucket short of full
// for smaller tables) guarantees such a group exists.
//
// Deletion is performed using tombstones (ctrlDeleted) with an optimization
// to mark a bucket as empty if we can prove that doing so would not violate
// the probing behavior that a group of full buckets causes probing to
// continue.
//
// # Growth
//
// Tombstones consume growth capacity. When an insertion into an empty
// bucket finds no growth left, the table either rehashes in place (when at
// least half of its capacity is locked up in tombstones) or resizes to the
// next power of two. Both paths survive a panicking hasher: an in-place
// rehash releases the elements it had not yet placed, while a resize
// discards the partially built table and leaves the original untouched.
//
// A Table is NOT goroutine-safe. Concurrent Find, Get and iteration are
// safe as long as nothing mutates the table.
package rawtable

import (
	"fmt"
	"unsafe"
)

const debug = false

// Table is an open-addressing hash table of T values. The zero value is not
// usable; create tables with New, TryNew or Init.
type Table[T any] struct {
	// ctrls is buckets+GroupSize in length. A copy of the first GroupSize
	// elements of ctrls is mirrored past the end which is done so that a
	// probe sequence which picks a value near the end of ctrls will have
	// valid control bytes to look at.
	//
	// When the table has not allocated, ctrls points to emptyGroup which will
	// never be modified and is used to simplify the Insert and Find code
	// which doesn't have to check for a nil ctrls.
	ctrls unsafeSlice[ctrl]
	// slots is buckets in length.
	slots unsafeSlice[T]
	// The number of buckets minus one. Used as a mask to quickly compute
	// i%N using a bitwise & operation. Zero means the table has not
	// allocated (the empty singleton).
	bucketMask uintptr
	// The number of buckets we can still fill without needing to rehash.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rehash when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft uintptr
	// The number of full buckets.
	items uintptr
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[T]
	// release is called on every element the table destroys.
	release func(v *T)
}

// New constructs a new table with room for at least capacity elements. If
// capacity is 0 the table will start out with zero capacity and will
// allocate on the first insert. New panics with ErrCapacityOverflow or an
// *AllocError if the storage cannot be provided.
func New[T any](capacity int, options ...option[T]) *Table[T] {
	t := &Table[T]{}
	t.Init(capacity, options...)
	return t
}

// TryNew is like New but returns allocation failures instead of panicking.
func TryNew[T any](capacity int, options ...option[T]) (*Table[T], error) {
	t := &Table[T]{}
	if err := t.init(capacity, fallible, options); err != nil {
		return nil, err
	}
	return t, nil
}

// Init (re)initializes the table with the specified capacity and options.
// Any previous contents are discarded without being released.
func (t *Table[T]) Init(capacity int, options ...option[T]) {
	_ = t.init(capacity, infallible, options)
}

func (t *Table[T]) init(capacity int, f fallibility, options []option[T]) error {
	*t = Table[T]{
		ctrls:     emptyGroup,
		allocator: defaultAllocator[T]{},
	}
	for _, op := range options {
		op.apply(t)
	}

	if capacity < 0 {
		return f.capacityOverflow()
	}
	if capacity > 0 {
		nt, err := t.fallibleWithCapacity(uintptr(capacity), f)
		if err != nil {
			return err
		}
		*t = nt
	}
	t.checkInvariants()
	return nil
}

// emptyLike returns an unallocated table sharing t's configuration.
func (t *Table[T]) emptyLike() Table[T] {
	return Table[T]{
		ctrls:     emptyGroup,
		allocator: t.allocator,
		release:   t.release,
	}
}

// reset points t back at the empty singleton without freeing anything.
func (t *Table[T]) reset() {
	*t = t.emptyLike()
}

// newUninitialized allocates a table with the given power of two number of
// buckets. The control bytes are left uninitialized.
func (t *Table[T]) newUninitialized(buckets uintptr, f fallibility) (Table[T], error) {
	l, ok := calculateLayout[T](buckets)
	if !ok {
		return Table[T]{}, f.capacityOverflow()
	}

	nt := t.emptyLike()
	if isZeroSized[T]() {
		nt.slots = unsafeSlice[T]{ptr: unsafe.Pointer(&zeroSizedBase)}
	} else {
		slots, err := t.allocator.AllocSlots(int(buckets))
		if err != nil {
			return Table[T]{}, f.allocErr(l, err)
		}
		nt.slots = makeUnsafeSlice(slots)
	}

	ctrls, err := t.allocator.AllocControls(int(buckets + GroupSize))
	if err != nil {
		if !isZeroSized[T]() {
			t.allocator.FreeSlots(nt.slots.Slice(0, buckets))
		}
		return Table[T]{}, f.allocErr(l, err)
	}
	nt.ctrls = makeUnsafeSlice(unsafeConvertSlice[ctrl](ctrls))
	nt.bucketMask = buckets - 1
	nt.growthLeft = bucketMaskToCapacity(buckets - 1)
	return nt, nil
}

// fallibleWithCapacity allocates a table with enough capacity for inserting
// the given number of elements without reallocating.
func (t *Table[T]) fallibleWithCapacity(capacity uintptr, f fallibility) (Table[T], error) {
	if capacity == 0 {
		return t.emptyLike(), nil
	}
	buckets, ok := capacityToBuckets(capacity)
	if !ok {
		return Table[T]{}, f.capacityOverflow()
	}
	nt, err := t.newUninitialized(buckets, f)
	if err != nil {
		return Table[T]{}, err
	}
	nt.fillCtrls(ctrlEmpty)
	return nt, nil
}

func (t *Table[T]) fillCtrls(c ctrl) {
	ctrls := t.ctrls.Slice(0, t.numCtrlBytes())
	for i := range ctrls {
		ctrls[i] = c
	}
}

// freeBuckets releases the table's storage without releasing any elements.
func (t *Table[T]) freeBuckets() {
	if t.isEmptySingleton() {
		return
	}
	if !isZeroSized[T]() {
		t.allocator.FreeSlots(t.slots.Slice(0, t.numBuckets()))
	}
	t.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls.Slice(0, t.numCtrlBytes())))
}

// Close releases every element and returns the table's memory to its
// allocator. It is unnecessary to close a table using the default allocator
// and no release function. The table is left empty and usable.
func (t *Table[T]) Close() {
	if !t.isEmptySingleton() {
		t.dropElements()
		t.freeBuckets()
	}
	t.reset()
}

// dropElements releases every full bucket without touching control bytes
// or counters.
func (t *Table[T]) dropElements() {
	if t.items == 0 {
		return
	}
	it := t.Iter()
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		b.drop(t.release)
	}
}

func (t *Table[T]) numBuckets() uintptr {
	return t.bucketMask + 1
}

func (t *Table[T]) numCtrlBytes() uintptr {
	return t.bucketMask + 1 + GroupSize
}

// isEmptySingleton returns whether this table points to the shared empty
// control group with a capacity of 0.
func (t *Table[T]) isEmptySingleton() bool {
	return t.bucketMask == 0
}

// Capacity returns the number of elements the table can hold without
// reallocating. This number is a lower bound; the table might be able to
// hold more, but is guaranteed to be able to hold at least this many.
func (t *Table[T]) Capacity() int {
	return int(t.items + t.growthLeft)
}

// Len returns the number of elements in the table.
func (t *Table[T]) Len() int {
	return int(t.items)
}

// IsEmpty returns whether the table holds no elements.
func (t *Table[T]) IsEmpty() bool {
	return t.items == 0
}

// Buckets returns the number of buckets in the table.
func (t *Table[T]) Buckets() int {
	return int(t.numBuckets())
}

// Bucket returns the bucket at the given index. The bucket is only
// meaningful if it is full.
func (t *Table[T]) Bucket(index int) Bucket[T] {
	if invariants && (t.isEmptySingleton() || uintptr(index) >= t.numBuckets()) {
		panic(fmt.Sprintf("bucket index %d out of range [0,%d)", index, t.numBuckets()))
	}
	return bucketAt(t.slots, uintptr(index))
}

// BucketIndex returns the index of a bucket of this table.
func (t *Table[T]) BucketIndex(b Bucket[T]) int {
	return int(b.index)
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<GroupSize:
//
//   - If i >= GroupSize then i2 == i.
//   - Otherwise i2 == bucketMask + 1 + i.
//
// The very last mirrored byte is never actually read because the initial
// probe index is masked, but it is written anyways because doing so keeps
// setCtrl branch free. If there are fewer buckets than GroupSize the bytes
// are mirrored at the end of the trailing group. For example with 2 buckets
// and a group size of 4, the control bytes will look like this:
//
//	    Real    |             Mirrored
//	---------------------------------------------
//	| [A] | [B] | [EMPTY] | [EMPTY] | [A] | [B] |
//	---------------------------------------------
func (t *Table[T]) setCtrl(i uintptr, v ctrl) {
	*t.ctrls.At(i) = v
	*t.ctrls.At(((i - GroupSize) & t.bucketMask) + GroupSize) = v
}

// findInsertSlot searches for an empty or deleted bucket which is suitable
// for inserting a new element. There must be at least 1 empty bucket in the
// table.
func (t *Table[T]) findInsertSlot(hash uint64) uintptr {
	seq := makeProbeSeq(hash, t.bucketMask)
	for ; ; seq = seq.next() {
		g := loadGroup(t.ctrls.At(seq.offset))
		match := g.matchEmptyOrDeleted()
		if debug {
			fmt.Printf("insert(probing): offset=%d match-empty-or-deleted=%s\n", seq.offset, match)
		}
		if !match.any() {
			continue
		}

		i := seq.offsetAt(match.first())
		// In tables smaller than the group size, trailing control bytes
		// outside the range of the table are filled with empty entries. These
		// will unfortunately trigger a match, but once masked may point to a
		// full bucket that is already occupied. We detect this situation here
		// and perform a second scan starting at the beginning of the table.
		// This second scan is guaranteed to find an empty bucket (due to the
		// load factor) before hitting the trailing control bytes.
		if t.ctrls.At(i).isFull() {
			if invariants && (t.bucketMask >= GroupSize || seq.offset == 0) {
				panic(fmt.Sprintf("invariant failed: insert slot %d is full\n%s", i, t.debugString()))
			}
			return loadGroup(t.ctrls.At(0)).matchEmptyOrDeleted().first()
		}
		return i
	}
}

// Insert inserts a new element into the table and returns its bucket. It
// does not check whether an equal element already exists. If the table has
// to grow, hasher is used to rehash the existing elements and every
// previously returned Bucket is invalidated.
func (t *Table[T]) Insert(hash uint64, value T, hasher func(v *T) uint64) Bucket[T] {
	i := t.findInsertSlot(hash)

	// We can avoid growing the table once we have reached our load factor if
	// we are replacing a tombstone. This works since the number of empty
	// buckets does not change in this case.
	old := *t.ctrls.At(i)
	if t.growthLeft == 0 && old.specialIsEmpty() {
		t.Reserve(1, hasher)
		i = t.findInsertSlot(hash)
		old = *t.ctrls.At(i)
	}
	return t.insertAt(i, old, hash, value)
}

// InsertNoGrow inserts a new element into the table without growing it.
// There must be enough space in the table to insert the new element. It
// does not check whether an equal element already exists.
func (t *Table[T]) InsertNoGrow(hash uint64, value T) Bucket[T] {
	i := t.findInsertSlot(hash)
	old := *t.ctrls.At(i)
	if invariants && t.growthLeft == 0 && old.specialIsEmpty() {
		panic("InsertNoGrow on a table without growth left")
	}
	return t.insertAt(i, old, hash, value)
}

func (t *Table[T]) insertAt(i uintptr, old ctrl, hash uint64, value T) Bucket[T] {
	if old.specialIsEmpty() {
		t.growthLeft--
	}
	t.setCtrl(i, h2(hash))
	b := bucketAt(t.slots, i)
	*b.ptr = value
	t.items++
	if debug {
		fmt.Printf("insert: index=%d items=%d growth-left=%d\n", i, t.items, t.growthLeft)
	}
	t.checkInvariants()
	return b
}

// Find searches for an element in the table, returning its bucket.
func (t *Table[T]) Find(hash uint64, eq func(v *T) bool) (Bucket[T], bool) {
	// To find the location of an element in the table, we construct a
	// probeSeq from h1(hash) that visits every group of buckets in some
	// interesting order.
	//
	// We walk through these indices. At each index, we select the entire
	// group starting with that index and extract potential candidates:
	// occupied buckets with a control byte equal to h2(hash). If we find an
	// empty bucket in the group, we stop and return false. Tombstones
	// (ctrlDeleted) effectively behave like full buckets that never match.
	//
	// The h2 bits ensure when we call eq we are likely to have actually
	// found the element. The expected number of h2 matches among the k
	// "wrong" elements examined by a probe is k/128, and k is small even at
	// high load factors, so eq is called on a non-matching element far less
	// than once per find.
	tag := h2(hash)
	seq := makeProbeSeq(hash, t.bucketMask)
	for ; ; seq = seq.next() {
		g := loadGroup(t.ctrls.At(seq.offset))
		for match := g.matchByte(tag); match.any(); match = match.removeFirst() {
			b := bucketAt(t.slots, seq.offsetAt(match.first()))
			if eq(b.ptr) {
				return b, true
			}
		}
		if g.matchEmpty().any() {
			return Bucket[T]{}, false
		}
	}
}

// Get returns a pointer to the element matching eq.
func (t *Table[T]) Get(hash uint64, eq func(v *T) bool) (*T, bool) {
	b, ok := t.Find(hash, eq)
	if !ok {
		return nil, false
	}
	return b.ptr, true
}

// wasNeverFull returns true if index i was never part a full group. This
// check allows an optimization during deletion whereby a deleted bucket can
// be converted to empty rather than a tombstone.
//
// It is invalid to take a group of full buckets and mark one as empty as
// doing so would cause subsequent lookups to terminate at that group rather
// than continue to probe. We count how many consecutive non empties we have
// to the right and to the left of i. If the sum is >= GroupSize then there
// is at least one probe window that might have seen a full group. Note that
// leadingZeros refers to the lanes at the end of the group before i, while
// trailingZeros refers to the lanes at the beginning of the group at i.
func (t *Table[T]) wasNeverFull(i uintptr) bool {
	indexBefore := (i - GroupSize) & t.bucketMask
	emptyBefore := loadGroup(t.ctrls.At(indexBefore)).matchEmpty()
	emptyAfter := loadGroup(t.ctrls.At(i)).matchEmpty()
	if debug {
		fmt.Printf("wasNeverFull: before=%d/%s after=%d/%s\n",
			indexBefore, emptyBefore, i, emptyAfter)
	}
	return emptyBefore.leadingZeros()+emptyAfter.trailingZeros() < GroupSize
}

// eraseNoDrop marks the full bucket at index i as deleted or empty without
// touching the element.
func (t *Table[T]) eraseNoDrop(i uintptr) {
	if invariants && (t.isEmptySingleton() || !t.ctrls.At(i).isFull()) {
		panic(fmt.Sprintf("erase of bucket %d which is not full\n%s", i, t.debugString()))
	}
	if t.wasNeverFull(i) {
		t.growthLeft++
		t.setCtrl(i, ctrlEmpty)
	} else {
		t.setCtrl(i, ctrlDeleted)
	}
	t.items--
	if debug {
		fmt.Printf("erase: index=%d items=%d growth-left=%d\n", i, t.items, t.growthLeft)
	}
}

// Erase removes the element in a full bucket from the table, releasing it.
func (t *Table[T]) Erase(b Bucket[T]) {
	// Erase the element from the table first since release might panic.
	t.eraseNoDrop(b.index)
	b.drop(t.release)
	t.checkInvariants()
}

// EraseEntry finds and erases an element from the table, releasing it.
// Returns true if an element was found.
func (t *Table[T]) EraseEntry(hash uint64, eq func(v *T) bool) bool {
	b, ok := t.Find(hash, eq)
	if ok {
		t.Erase(b)
	}
	return ok
}

// Remove removes the element in a full bucket from the table, returning it.
func (t *Table[T]) Remove(b Bucket[T]) T {
	t.eraseNoDrop(b.index)
	v := b.take()
	t.checkInvariants()
	return v
}

// RemoveEntry finds and removes an element from the table, returning it.
func (t *Table[T]) RemoveEntry(hash uint64, eq func(v *T) bool) (T, bool) {
	b, ok := t.Find(hash, eq)
	if !ok {
		var zero T
		return zero, false
	}
	return t.Remove(b), true
}

// ReplaceBucketWith temporarily removes the element in a full bucket and
// passes it to f. If f returns ok=true the returned element is put back in
// the same bucket, otherwise the bucket stays empty. The replacement must
// hash identically to the original. Returns whether the bucket still
// contains an element.
func (t *Table[T]) ReplaceBucketWith(b Bucket[T], f func(v T) (T, bool)) bool {
	old := *t.ctrls.At(b.index)
	oldGrowthLeft := t.growthLeft
	v := t.Remove(b)
	nv, ok := f(v)
	if !ok {
		return false
	}
	t.growthLeft = oldGrowthLeft
	t.setCtrl(b.index, old)
	t.items++
	*b.ptr = nv
	t.checkInvariants()
	return true
}

// ClearNoDrop marks all buckets as empty without releasing their contents.
// The element storage is not zeroed, so anything it references stays
// reachable until overwritten.
func (t *Table[T]) ClearNoDrop() {
	if !t.isEmptySingleton() {
		t.fillCtrls(ctrlEmpty)
	}
	t.items = 0
	t.growthLeft = bucketMaskToCapacity(t.bucketMask)
}

// Clear removes all elements from the table without freeing the backing
// memory.
func (t *Table[T]) Clear() {
	// Ensure that the table is reset even if a release panics.
	defer t.ClearNoDrop()
	t.dropElements()
}

// All calls yield sequentially for each full bucket in the table. If yield
// returns false, iteration stops. yield may erase the bucket it was handed,
// but must not otherwise mutate the table.
func (t *Table[T]) All(yield func(b Bucket[T]) bool) {
	it := t.Iter()
	for b, ok := it.Next(); ok; b, ok = it.Next() {
		if !yield(b) {
			return
		}
	}
}
