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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher(t *testing.T) {
	h := NewHasher[string]()
	require.Equal(t, h.Hash("foo"), h.Hash("foo"))
	require.NotEqual(t, h.Hash("foo"), h.Hash("bar"))

	r := h.Reseed()
	require.Equal(t, r.Hash("foo"), r.Hash("foo"))
	require.NotEqual(t, h.Hash("foo"), r.Hash("foo"))
}

func TestHashBy(t *testing.T) {
	type user struct {
		name string
		age  int
	}
	name := func(u *user) string { return u.name }

	h := NewHasher[string]()
	hasher := HashBy(h, name)
	tbl := New[user](0)
	for i := 0; i < 200; i++ {
		u := user{name: fmt.Sprintf("user-%03d", i), age: i}
		require.Equal(t, h.Hash(u.name), hasher(&u))
		tbl.Insert(hasher(&u), u, hasher)
	}
	tbl.validate()

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("user-%03d", i)
		u, ok := tbl.Get(h.Hash(key), EqualBy(key, name))
		require.True(t, ok)
		require.Equal(t, i, u.age)
	}
	_, ok := tbl.Get(h.Hash("nobody"), EqualBy("nobody", name))
	require.False(t, ok)

	// Moving to a new seed is a matter of rebuilding with the new hasher.
	r := h.Reseed()
	rehashed := New[user](tbl.Len())
	tbl.All(func(b Bucket[user]) bool {
		u := b.Read()
		rehashed.Insert(r.Hash(u.name), u, HashBy(r, name))
		return true
	})
	u, ok := rehashed.Get(r.Hash("user-042"), EqualBy("user-042", name))
	require.True(t, ok)
	require.Equal(t, 42, u.age)
}
