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

func cloneValue[T any](clone func(v *T) T, v *T) T {
	if clone == nil {
		return *v
	}
	return clone(v)
}

// Clone returns a copy of the table with the same bucket layout and
// configuration. Each element is copied with clone, or by assignment if
// clone is nil. If clone panics the elements cloned so far are released and
// the new table's storage is freed.
func (t *Table[T]) Clone(clone func(v *T) T) *Table[T] {
	nt := &Table[T]{}
	*nt = t.emptyLike()
	if t.isEmptySingleton() {
		return nt
	}
	*nt, _ = t.newUninitialized(t.numBuckets(), infallible)
	nt.cloneFromImpl(t, clone, func(nt *Table[T]) {
		nt.freeBuckets()
		nt.reset()
	})
	return nt
}

// CloneFrom replaces the contents of t with clones of the elements of src,
// reusing t's storage if it has the same number of buckets. t keeps its own
// allocator and release function; its previous elements are released. If
// clone panics t is left empty.
func (t *Table[T]) CloneFrom(src *Table[T], clone func(v *T) T) {
	if src.isEmptySingleton() {
		t.Close()
		return
	}

	// First, release all our elements without clearing the control bytes.
	t.dropElements()

	// If necessary, resize our table to match the source.
	if t.numBuckets() != src.numBuckets() {
		t.freeBuckets()
		t.reset()
		*t, _ = t.newUninitialized(src.numBuckets(), infallible)
	}

	// Leave the table in an empty state if clone panics.
	t.cloneFromImpl(src, clone, (*Table[T]).ClearNoDrop)
}

// cloneFromImpl is the common code for Clone and CloneFrom. It assumes
// t.numBuckets() == src.numBuckets().
func (t *Table[T]) cloneFromImpl(src *Table[T], clone func(v *T) T, onPanic func(t *Table[T])) {
	// Copy the control bytes unchanged. We do this in a single pass.
	copy(t.ctrls.Slice(0, t.numCtrlBytes()), src.ctrls.Slice(0, src.numCtrlBytes()))

	// The cloning of elements may panic, in which case we need to make sure
	// we release only the elements that have been cloned so far.
	cloned := 0
	committed := false
	defer func() {
		if committed {
			return
		}
		for i := uintptr(0); cloned > 0; i++ {
			if t.ctrls.At(i).isFull() {
				bucketAt(t.slots, i).drop(t.release)
				cloned--
			}
		}
		onPanic(t)
	}()

	it := src.Iter()
	for from, ok := it.Next(); ok; from, ok = it.Next() {
		*bucketAt(t.slots, from.index).ptr = cloneValue(clone, from.ptr)
		cloned++
	}
	committed = true

	t.items = src.items
	t.growthLeft = src.growthLeft
	t.checkInvariants()
}

// CloneFromWithHasher is a variant of CloneFrom to use when a hasher is
// available. If t has enough capacity it is cleared and the clones are
// inserted one by one, keeping t's bucket count; otherwise it behaves like
// CloneFrom.
func (t *Table[T]) CloneFromWithHasher(src *Table[T], clone func(v *T) T, hasher func(v *T) uint64) {
	// We don't do this if we have the same number of buckets as the source
	// since we can just copy the contents directly in that case.
	if t.numBuckets() == src.numBuckets() || bucketMaskToCapacity(t.bucketMask) < src.items {
		t.CloneFrom(src, clone)
		return
	}

	t.Clear()

	// Clear the partially copied table if a panic occurs.
	committed := false
	defer func() {
		if !committed {
			t.Clear()
		}
	}()

	it := src.Iter()
	for from, ok := it.Next(); ok; from, ok = it.Next() {
		v := cloneValue(clone, from.ptr)
		h := hasher(&v)

		// We can use a simpler version of Insert here since there are no
		// deleted buckets, we know there is enough space in the table and all
		// elements are unique.
		i := t.findInsertSlot(h)
		t.setCtrl(i, h2(h))
		*bucketAt(t.slots, i).ptr = v
		t.items++
		t.growthLeft--
	}
	committed = true
	t.checkInvariants()
}
