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
	"testing"

	"github.com/stretchr/testify/require"
)

// cloneAfter returns a clone function whose n'th call panics.
func cloneAfter(n int) func(e *entry) entry {
	calls := 0
	return func(e *entry) entry {
		calls++
		if calls == n {
			panic("clone failure")
		}
		return entry{e.key, e.value + 1}
	}
}

func TestClone(t *testing.T) {
	src := newTestTable(0, testHashes[0].hash)
	for k := 0; k < 100; k++ {
		src.insert(k, k)
	}

	c := testTable{Table: src.Clone(nil), hash: src.hash}
	c.validate()
	require.Equal(t, src.Buckets(), c.Buckets())
	require.Equal(t, src.Capacity(), c.Capacity())
	require.Equal(t, src.toBuiltinMap(), c.toBuiltinMap())

	// The clone is independent of its source.
	require.True(t, c.erase(1))
	_, ok := src.find(1)
	require.True(t, ok)

	c = testTable{Table: src.Clone(cloneAfter(-1)), hash: src.hash}
	for k := 0; k < 100; k++ {
		v, ok := c.get(k)
		require.True(t, ok)
		require.Equal(t, k+1, v)
	}

	empty := New[entry](0)
	require.Equal(t, 1, empty.Clone(nil).Buckets())
}

func TestClonePanic(t *testing.T) {
	a := &countingAllocator[entry]{}
	rc := newReleaseCounter()
	src := newTestTable(0, testHashes[0].hash, WithAllocator[entry](a), WithRelease(rc.release))
	for k := 0; k < 100; k++ {
		src.insert(k, k)
	}
	before, _ := a.outstanding()

	require.PanicsWithValue(t, "clone failure", func() {
		src.Clone(cloneAfter(5))
	})
	require.Equal(t, 4, rc.total())
	slots, ctrls := a.outstanding()
	require.Equal(t, before, slots)
	require.Equal(t, before, ctrls)
	require.Equal(t, 100, src.Len())
	src.validate()
}

func TestCloneFrom(t *testing.T) {
	src := newTestTable(0, testHashes[0].hash)
	for k := 0; k < 100; k++ {
		src.insert(k, k)
	}

	// A destination of a different size is reallocated and its elements are
	// released.
	rc := newReleaseCounter()
	a := &countingAllocator[entry]{}
	dst := newTestTable(0, src.hash, WithAllocator[entry](a), WithRelease(rc.release))
	for k := 1000; k < 1010; k++ {
		dst.insert(k, k)
	}
	dst.CloneFrom(src.Table, nil)
	dst.validate()
	require.Equal(t, 10, rc.total())
	require.Equal(t, src.Buckets(), dst.Buckets())
	require.Equal(t, src.toBuiltinMap(), dst.toBuiltinMap())
	slots, _ := a.outstanding()
	require.Equal(t, 1, slots)

	// A destination of the same size reuses its storage.
	allocs := a.slotAllocs
	dst.CloneFrom(src.Table, cloneAfter(-1))
	dst.validate()
	require.Equal(t, allocs, a.slotAllocs)
	require.Equal(t, 110, rc.total())
	v, ok := dst.get(7)
	require.True(t, ok)
	require.Equal(t, 8, v)

	// Cloning from an unallocated table frees the destination.
	dst.CloneFrom(New[entry](0), nil)
	require.Equal(t, 210, rc.total())
	require.Equal(t, 1, dst.Buckets())
	slots, _ = a.outstanding()
	require.Equal(t, 0, slots)
}

func TestCloneFromPanic(t *testing.T) {
	src := newTestTable(0, testHashes[0].hash)
	for k := 0; k < 100; k++ {
		src.insert(k, k)
	}

	rc := newReleaseCounter()
	dst := newTestTable(0, src.hash, WithRelease(rc.release))
	for k := 1000; k < 1020; k++ {
		dst.insert(k, k)
	}
	require.PanicsWithValue(t, "clone failure", func() {
		dst.CloneFrom(src.Table, cloneAfter(10))
	})
	// The previous elements and the nine clones are released, and the
	// destination is left empty.
	require.Equal(t, 29, rc.total())
	require.Equal(t, 0, dst.Len())
	dst.validate()
	dst.insert(1, 1)
	require.Equal(t, 1, dst.Len())
}

func TestCloneFromWithHasher(t *testing.T) {
	src := newTestTable(0, testHashes[0].hash)
	for k := 0; k < 100; k++ {
		src.insert(k, k)
	}

	rc := newReleaseCounter()
	dst := newTestTable(1000, src.hash, WithRelease(rc.release))
	buckets := dst.Buckets()
	for k := 1000; k < 1010; k++ {
		dst.insert(k, k)
	}
	dst.CloneFromWithHasher(src.Table, nil, dst.hasher)
	dst.validate()
	require.Equal(t, buckets, dst.Buckets())
	require.Equal(t, 10, rc.total())
	require.Equal(t, src.toBuiltinMap(), dst.toBuiltinMap())
	require.Equal(t, 1792, dst.Capacity())

	// A hasher panic leaves the destination cleared.
	require.PanicsWithValue(t, "hasher failure", func() {
		dst.CloneFromWithHasher(src.Table, nil, panicAfter(3, dst.hasher))
	})
	require.Equal(t, 0, dst.Len())
	require.Equal(t, 112, rc.total())
	dst.validate()

	// A destination too small for the source falls back to CloneFrom.
	small := newTestTable(0, src.hash)
	small.CloneFromWithHasher(src.Table, nil, small.hasher)
	small.validate()
	require.Equal(t, src.Buckets(), small.Buckets())
	require.Equal(t, src.toBuiltinMap(), small.toBuiltinMap())
}
