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

import "runtime"

// option provide an interface to do work on Table while it is being created.
type option[T any] interface {
	apply(t *Table[T])
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Table. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// The element slots and control bytes of a table are always allocated and
// freed together. If the allocator is manually managing memory then
// Table.Close must be called in order to ensure FreeSlots and FreeControls
// are called.
type Allocator[T any] interface {
	// AllocSlots should return a zeroed slice equivalent to make([]T, n), or
	// an error if the memory cannot be provided.
	AllocSlots(n int) ([]T, error)

	// AllocControls should return a slice equivalent to make([]uint8, n), or
	// an error if the memory cannot be provided. The contents are
	// overwritten by the table.
	AllocControls(n int) ([]uint8, error)

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []T)

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) AllocSlots(n int) ([]T, error) {
	return tryMake[T](n)
}

func (defaultAllocator[T]) AllocControls(n int) ([]uint8, error) {
	return tryMake[uint8](n)
}

// tryMake is make([]T, n) that reports a length the runtime refuses to
// allocate as an error. Any other panic is propagated.
func tryMake[T any](n int) (s []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			re, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			s, err = nil, re
		}
	}()
	return make([]T, n), nil
}

func (defaultAllocator[T]) FreeSlots(v []T) {
}

func (defaultAllocator[T]) FreeControls(v []uint8) {
}

type allocatorOption[T any] struct {
	allocator Allocator[T]
}

func (op allocatorOption[T]) apply(t *Table[T]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Table[T].
func WithAllocator[T any](allocator Allocator[T]) option[T] {
	return allocatorOption[T]{allocator}
}

type releaseOption[T any] struct {
	release func(v *T)
}

func (op releaseOption[T]) apply(t *Table[T]) {
	t.release = op.release
}

// WithRelease is an option to specify a function called on every element
// the table destroys: by Erase, EraseEntry, Clear, Close, ShrinkTo to zero,
// the unconsumed remainder of a Drain or IntoIter, and elements abandoned
// when a hasher panics during an in-place rehash. Elements handed back to
// the caller (Remove, RemoveEntry, Drain, IntoIter) are not released.
func WithRelease[T any](release func(v *T)) option[T] {
	return releaseOption[T]{release}
}
