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

import "unsafe"

// Bucket is a reference to a table bucket containing a T. It is valid until
// the table is resized, rehashed, cleared or closed.
//
// For element types with a non-zero size the bucket holds a pointer to the
// element itself. Zero-sized elements have no storage to point into, so all
// of their buckets share one base pointer and are told apart by index; the
// index is tracked unconditionally so that Erase and BucketIndex work for
// both kinds.
type Bucket[T any] struct {
	ptr   *T
	index uintptr
}

// zeroSizedBase is the storage shared by the buckets of a zero-sized element
// type. Nothing is ever written through it.
var zeroSizedBase struct{}

func isZeroSized[T any]() bool {
	var t T
	return unsafe.Sizeof(t) == 0
}

func bucketAt[T any](slots unsafeSlice[T], index uintptr) Bucket[T] {
	return Bucket[T]{ptr: slots.At(index), index: index}
}

// Ptr returns a pointer to the element stored in the bucket.
func (b Bucket[T]) Ptr() *T {
	return b.ptr
}

// Read returns a copy of the element stored in the bucket.
func (b Bucket[T]) Read() T {
	return *b.ptr
}

// Write overwrites the element stored in the bucket. The control byte is
// left unchanged, so the new element must hash identically.
func (b Bucket[T]) Write(v T) {
	*b.ptr = v
}

// Index returns the position of the bucket within its table.
func (b Bucket[T]) Index() int {
	return int(b.index)
}

// take moves the element out of the bucket, zeroing the slot so the GC does
// not retain anything it referenced.
func (b Bucket[T]) take() T {
	v := *b.ptr
	var zero T
	*b.ptr = zero
	return v
}

// drop releases the element and zeroes the slot.
func (b Bucket[T]) drop(release func(v *T)) {
	if release != nil {
		release(b.ptr)
	}
	var zero T
	*b.ptr = zero
}

func (b Bucket[T]) copyFrom(other Bucket[T]) {
	*b.ptr = *other.ptr
}

func (b Bucket[T]) swap(other Bucket[T]) {
	*b.ptr, *other.ptr = *other.ptr, *b.ptr
}
