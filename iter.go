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

import "fmt"

// Iter yields every full bucket of a table in bucket order.
//
// For maximum flexibility an Iter does not reference its table, but you
// must observe several rules when using it:
//   - You must not free the table while iterating (including via growing,
//     shrinking or an in-place rehash).
//   - It is fine to erase a bucket that has been yielded by the iterator.
//   - Erasing a bucket that has not yet been yielded by the iterator may
//     still result in the iterator yielding that bucket (unless
//     ReflectRemove is called).
//   - It is unspecified whether an element inserted after the iterator was
//     created will be yielded by that iterator (unless ReflectInsert is
//     called).
//
// Copying an Iter clones it.
type Iter[T any] struct {
	ctrls unsafeSlice[ctrl]
	slots unsafeSlice[T]
	// Mask of full buckets in the current group. Bits are cleared from this
	// mask as each element is processed.
	current bitset
	// Index of the first bucket of the current group.
	base uintptr
	// Number of buckets in the table.
	end uintptr
	// Number of elements left to yield.
	items uintptr
}

// Iter returns an iterator over every full bucket of the table.
func (t *Table[T]) Iter() Iter[T] {
	return Iter[T]{
		ctrls:   t.ctrls,
		slots:   t.slots,
		current: loadGroup(t.ctrls.At(0)).matchFull(),
		end:     t.numBuckets(),
		items:   t.items,
	}
}

// nextBucket advances over the control bytes without maintaining the item
// count.
func (it *Iter[T]) nextBucket() (Bucket[T], bool) {
	for {
		if it.current.any() {
			i := it.current.first()
			it.current = it.current.removeFirst()
			return bucketAt(it.slots, it.base+i), true
		}
		if it.base+GroupSize >= it.end {
			return Bucket[T]{}, false
		}
		// Tables smaller than the group size never get here. On larger tables
		// the end is a multiple of the group size, so loads stay in range.
		it.base += GroupSize
		it.current = loadGroup(it.ctrls.At(it.base)).matchFull()
	}
}

// Next returns the next full bucket, or ok=false when the iteration is
// done.
func (it *Iter[T]) Next() (b Bucket[T], ok bool) {
	b, ok = it.nextBucket()
	if ok {
		it.items--
	} else if invariants && it.items != 0 {
		panic(fmt.Sprintf("iterator finished with %d items left", it.items))
	}
	return b, ok
}

// Len returns the number of buckets left to yield.
func (it *Iter[T]) Len() int {
	return int(it.items)
}

// ReflectRemove refreshes the iterator so that it reflects a removal from
// the given bucket. For the iterator to remain valid, this method must be
// called once for each removed bucket before Next is called again.
//
// This method should be called before the removal is made. It is not
// necessary to call this method if you are removing a bucket that this
// iterator yielded in the past.
func (it *Iter[T]) ReflectRemove(b Bucket[T]) {
	it.reflectToggleFull(b, false)
}

// ReflectInsert refreshes the iterator so that it reflects an insertion
// into the given bucket. For the iterator to remain valid, this method must
// be called once for each insert before Next is called again.
//
// An insertion into a bucket the iterator has already passed is not
// reflected: that element will not be yielded. The same holds for a bucket
// later in the current group once the iterator has yielded every bucket it
// saw full in that group.
//
// This method should be called after the insert is made.
func (it *Iter[T]) ReflectInsert(b Bucket[T]) {
	it.reflectToggleFull(b, true)
}

func (it *Iter[T]) adjustItems(isInsert bool) {
	if isInsert {
		it.items++
	} else {
		it.items--
	}
}

// reflectToggleFull refreshes the iterator so that it reflects a change to
// the state of the given bucket.
func (it *Iter[T]) reflectToggleFull(b Bucket[T], isInsert bool) {
	if b.index < it.base {
		// The iterator has already passed the bucket's group, so the toggle
		// isn't relevant to this iterator.
		return
	}

	if it.base+GroupSize < it.end && b.index >= it.base+GroupSize {
		// The iterator has not yet reached the bucket's group. We don't need
		// to reload anything, but we do need to adjust the item count.
		if invariants && !it.ctrls.At(b.index).isFull() {
			// Called before a removal or after an insert, so in both cases
			// the bucket must be full.
			panic(fmt.Sprintf("reflect on bucket %d which is not full", b.index))
		}
		it.adjustItems(isInsert)
		return
	}

	// The iterator is at the bucket's group. Determine if the iterator
	// already yielded the bucket. If it did, we're done. Otherwise flip just
	// this bucket's bit in the cached group so that a to-be-removed bucket
	// won't be yielded and a to-be-added bucket will be. Reloading the group
	// instead could reflect inserts we've already passed and could clear the
	// bits of other pending removals, throwing off the item count.
	if !it.current.any() {
		// We must have already iterated past the bucket.
		return
	}
	next := it.base + it.current.first()
	if b.index < next {
		// The bucket is before the bucket the iterator would yield next, so
		// the iterator has already passed it and the item count is already
		// correct.
		return
	}
	wasFull := it.current.flip(b.index - it.base)
	if invariants && wasFull == isInsert {
		panic(fmt.Sprintf("reflect on bucket %d: full=%t, insert=%t", b.index, wasFull, isInsert))
	}
	it.adjustItems(isInsert)
}

// HashIter yields the full buckets whose control byte matches a hash, in
// probe order. In rare cases, the iterator may return a bucket holding an
// element with a different hash.
type HashIter[T any] struct {
	ctrls unsafeSlice[ctrl]
	slots unsafeSlice[T]
	tag   ctrl
	seq   probeSeq
	group group
	match bitset
}

// IterHash returns an iterator over the full buckets that could match the
// given hash.
func (t *Table[T]) IterHash(hash uint64) HashIter[T] {
	seq := makeProbeSeq(hash, t.bucketMask)
	g := loadGroup(t.ctrls.At(seq.offset))
	tag := h2(hash)
	return HashIter[T]{
		ctrls: t.ctrls,
		slots: t.slots,
		tag:   tag,
		seq:   seq,
		group: g,
		match: g.matchByte(tag),
	}
}

// Next returns the next candidate bucket, or ok=false when the probe
// reaches a group with an empty bucket.
func (it *HashIter[T]) Next() (Bucket[T], bool) {
	for {
		if it.match.any() {
			i := it.seq.offsetAt(it.match.first())
			it.match = it.match.removeFirst()
			return bucketAt(it.slots, i), true
		}
		if it.group.matchEmpty().any() {
			return Bucket[T]{}, false
		}
		it.seq = it.seq.next()
		it.group = loadGroup(it.ctrls.At(it.seq.offset))
		it.match = it.group.matchByte(it.tag)
	}
}

// Drain removes elements from a table without freeing its storage. The
// table's contents are moved into the Drain for its duration, leaving the
// table empty; Close moves the emptied storage back. The table must not be
// used between creating the Drain and calling Close.
type Drain[T any] struct {
	iter   Iter[T]
	table  Table[T]
	orig   *Table[T]
	closed bool
}

// Drain returns an iterator which removes all elements from the table
// without freeing the memory.
func (t *Table[T]) Drain() *Drain[T] {
	return t.DrainIterFrom(t.Iter())
}

// DrainIterFrom is like Drain but starts at the provided iterator's current
// location. It is up to the caller to ensure that the iterator is valid for
// this table and covers all elements that remain in the table.
func (t *Table[T]) DrainIterFrom(it Iter[T]) *Drain[T] {
	if invariants && uintptr(it.Len()) != t.items {
		panic(fmt.Sprintf("drain iterator covers %d of %d items", it.Len(), t.items))
	}
	d := &Drain[T]{iter: it, table: *t, orig: t}
	t.reset()
	return d
}

// Next removes and returns the next element.
func (d *Drain[T]) Next() (T, bool) {
	b, ok := d.iter.Next()
	if !ok {
		var zero T
		return zero, false
	}
	return b.take(), true
}

// Len returns the number of elements left to drain.
func (d *Drain[T]) Len() int {
	return d.iter.Len()
}

// Iter returns a copy of the underlying iterator.
func (d *Drain[T]) Iter() Iter[T] {
	return d.iter
}

// Close releases the remaining elements and hands the emptied storage back
// to the table. Close is idempotent.
func (d *Drain[T]) Close() {
	if d.closed {
		return
	}
	d.closed = true
	// Reset the contents of the table and move it back even if a release
	// panics.
	defer func() {
		d.table.ClearNoDrop()
		*d.orig = d.table
	}()
	for b, ok := d.iter.Next(); ok; b, ok = d.iter.Next() {
		b.drop(d.table.release)
	}
}

// IntoIter consumes a table, yielding its elements and freeing its storage
// on Close.
type IntoIter[T any] struct {
	iter   Iter[T]
	table  Table[T]
	closed bool
}

// IntoIter moves the table's contents into an iterator which yields every
// element. The table is left empty and may be reused immediately.
func (t *Table[T]) IntoIter() *IntoIter[T] {
	return t.IntoIterFrom(t.Iter())
}

// IntoIterFrom is like IntoIter but starts at the provided iterator's
// current location. It is up to the caller to ensure that the iterator is
// valid for this table and covers all elements that remain in the table.
func (t *Table[T]) IntoIterFrom(it Iter[T]) *IntoIter[T] {
	if invariants && uintptr(it.Len()) != t.items {
		panic(fmt.Sprintf("into-iterator covers %d of %d items", it.Len(), t.items))
	}
	ii := &IntoIter[T]{iter: it, table: *t}
	t.reset()
	return ii
}

// Next returns the next element.
func (ii *IntoIter[T]) Next() (T, bool) {
	b, ok := ii.iter.Next()
	if !ok {
		var zero T
		return zero, false
	}
	return b.take(), true
}

// Len returns the number of elements left.
func (ii *IntoIter[T]) Len() int {
	return ii.iter.Len()
}

// Iter returns a copy of the underlying iterator.
func (ii *IntoIter[T]) Iter() Iter[T] {
	return ii.iter
}

// Close releases the remaining elements and frees the storage. Close is
// idempotent.
func (ii *IntoIter[T]) Close() {
	if ii.closed {
		return
	}
	ii.closed = true
	defer ii.table.freeBuckets()
	for b, ok := ii.iter.Next(); ok; b, ok = ii.iter.Next() {
		b.drop(ii.table.release)
	}
}
