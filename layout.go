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
	"errors"
	"fmt"
	"math"
	"math/bits"
	"unsafe"
)

// ErrCapacityOverflow is returned when the requested capacity cannot be
// represented, either as a bucket count or as an allocation size.
var ErrCapacityOverflow = errors.New("rawtable: capacity overflow")

// AllocError is returned when the allocator fails to provide the storage
// described by Layout.
type AllocError struct {
	Layout Layout
	Err    error
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("rawtable: allocation of %d bytes (align %d) failed: %v",
		e.Layout.Size, e.Layout.Align, e.Err)
}

func (e *AllocError) Unwrap() error {
	return e.Err
}

// Layout describes the single logical block backing a table: the element
// array, padding up to Align, then Buckets+GroupSize control bytes starting
// at CtrlOffset.
type Layout struct {
	Buckets    uintptr
	Size       uintptr
	Align      uintptr
	CtrlOffset uintptr
}

// maxAllocSize bounds the size of a single block.
const maxAllocSize = math.MaxInt

// calculateLayout returns the layout for a table with the given power of
// two number of buckets, or ok=false if the size overflows.
func calculateLayout[T any](buckets uintptr) (l Layout, ok bool) {
	var t T
	align := max(unsafe.Alignof(t), GroupSize)

	hi, data := bits.Mul(uint(unsafe.Sizeof(t)), uint(buckets))
	if hi != 0 {
		return Layout{}, false
	}
	ctrlOffset, carry := bits.Add(data, uint(align-1), 0)
	if carry != 0 {
		return Layout{}, false
	}
	ctrlOffset &^= uint(align - 1)
	size, carry := bits.Add(ctrlOffset, uint(buckets+GroupSize), 0)
	if carry != 0 || size > maxAllocSize {
		return Layout{}, false
	}
	return Layout{
		Buckets:    buckets,
		Size:       uintptr(size),
		Align:      align,
		CtrlOffset: uintptr(ctrlOffset),
	}, true
}

// capacityToBuckets returns the number of buckets needed to hold capacity
// elements under the maximum load factor, or ok=false on overflow.
func capacityToBuckets(capacity uintptr) (uintptr, bool) {
	if capacity == 0 {
		panic("rawtable: capacityToBuckets called with zero capacity")
	}

	// Small tables require at least 1 empty bucket so that lookups are
	// guaranteed to terminate if an element doesn't exist in the table. A 2
	// bucket table can only hold a single element, so skip directly to 4.
	if capacity < 8 {
		if capacity < 4 {
			return 4, true
		}
		return 8, true
	}

	// Otherwise require 1/8 of the buckets to be empty (87.5% load).
	hi, lo := bits.Mul(uint(capacity), 8)
	if hi != 0 {
		return 0, false
	}
	adjusted := uintptr(lo / 7)
	// Rounding errors from the division are cleaned up by rounding to the
	// next power of two, which can't overflow because of the division.
	return uintptr(1) << bits.Len(uint(adjusted-1)), true
}

// bucketMaskToCapacity returns the maximum number of elements a table with
// the given bucket mask holds before it must grow.
func bucketMaskToCapacity(bucketMask uintptr) uintptr {
	if bucketMask < 8 {
		// Tables with 1, 2, 4 or 8 buckets always keep one bucket empty.
		return bucketMask
	}
	// Larger tables keep 12.5% of the buckets empty.
	return ((bucketMask + 1) / 8) * 7
}

// fallibility selects whether allocation failures are returned to the
// caller or escalated to a panic.
type fallibility int

const (
	fallible fallibility = iota
	infallible
)

func (f fallibility) capacityOverflow() error {
	if f == infallible {
		panic(ErrCapacityOverflow)
	}
	return ErrCapacityOverflow
}

func (f fallibility) allocErr(l Layout, err error) error {
	e := &AllocError{Layout: l, Err: err}
	if f == infallible {
		panic(e)
	}
	return e
}
