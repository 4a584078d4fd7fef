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
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacityToBuckets(t *testing.T) {
	testCases := []struct {
		capacity uintptr
		buckets  uintptr
	}{
		{1, 4},
		{3, 4},
		{4, 8},
		{7, 8},
		{8, 16},
		{14, 16},
		{15, 32},
		{28, 32},
		{29, 64},
		{100, 128},
		{896, 1024},
		{897, 2048},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprint(c.capacity), func(t *testing.T) {
			buckets, ok := capacityToBuckets(c.capacity)
			require.True(t, ok)
			require.Equal(t, c.buckets, buckets)
			require.GreaterOrEqual(t, uint64(bucketMaskToCapacity(buckets-1)), uint64(c.capacity))
		})
	}

	_, ok := capacityToBuckets(^uintptr(0) / 4)
	require.False(t, ok)
	require.Panics(t, func() { capacityToBuckets(0) })
}

func TestBucketMaskToCapacity(t *testing.T) {
	require.EqualValues(t, 0, bucketMaskToCapacity(0))
	require.EqualValues(t, 3, bucketMaskToCapacity(3))
	require.EqualValues(t, 7, bucketMaskToCapacity(7))
	require.EqualValues(t, 14, bucketMaskToCapacity(15))
	require.EqualValues(t, 112, bucketMaskToCapacity(127))
	require.EqualValues(t, 896, bucketMaskToCapacity(1023))
}

func TestCalculateLayout(t *testing.T) {
	l, ok := calculateLayout[uint64](16)
	require.True(t, ok)
	require.Equal(t, Layout{Buckets: 16, Size: 152, Align: 8, CtrlOffset: 128}, l)

	// The control bytes are aligned to at least the group size.
	l, ok = calculateLayout[byte](4)
	require.True(t, ok)
	require.Equal(t, Layout{Buckets: 4, Size: 20, Align: 8, CtrlOffset: 8}, l)

	l, ok = calculateLayout[struct{}](8)
	require.True(t, ok)
	require.Equal(t, Layout{Buckets: 8, Size: 16, Align: 8, CtrlOffset: 0}, l)

	_, ok = calculateLayout[[1024]byte](uintptr(1) << (bits.UintSize - 2))
	require.False(t, ok)
}

func TestFallibility(t *testing.T) {
	require.ErrorIs(t, fallible.capacityOverflow(), ErrCapacityOverflow)
	require.PanicsWithError(t, ErrCapacityOverflow.Error(), func() {
		_ = infallible.capacityOverflow()
	})

	errOOM := errors.New("out of memory")
	l := Layout{Buckets: 4, Size: 44, Align: 8, CtrlOffset: 32}
	err := fallible.allocErr(l, errOOM)
	require.ErrorIs(t, err, errOOM)
	var allocErr *AllocError
	require.True(t, errors.As(err, &allocErr))
	require.Equal(t, l, allocErr.Layout)
	require.Equal(t, "rawtable: allocation of 44 bytes (align 8) failed: out of memory", err.Error())

	require.PanicsWithError(t, err.Error(), func() {
		_ = infallible.allocErr(l, errOOM)
	})
}
