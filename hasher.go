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

import "github.com/dolthub/maphash"

// Hasher hashes keys of type K with the runtime's builtin map hash and a
// per-Hasher random seed. Hashers are safe for concurrent use.
type Hasher[K comparable] struct {
	h maphash.Hasher[K]
}

// NewHasher returns a Hasher with a random seed.
func NewHasher[K comparable]() Hasher[K] {
	return Hasher[K]{h: maphash.NewHasher[K]()}
}

// Reseed returns a Hasher for the same key type with a new random seed.
// Tables keyed with the old Hasher must be rehashed with the new one.
func (h Hasher[K]) Reseed() Hasher[K] {
	return Hasher[K]{h: maphash.NewSeed(h.h)}
}

// Hash returns the hash of key.
func (h Hasher[K]) Hash(key K) uint64 {
	return h.h.Hash(key)
}

// HashBy returns a table hasher that hashes the key projected out of an
// element. Use it together with EqualBy:
//
//	h := rawtable.NewHasher[string]()
//	hasher := rawtable.HashBy(h, func(e *entry) string { return e.name })
//	t.Insert(h.Hash(e.name), e, hasher)
//	b, ok := t.Find(h.Hash("foo"), rawtable.EqualBy("foo", func(e *entry) string { return e.name }))
func HashBy[T any, K comparable](h Hasher[K], key func(v *T) K) func(v *T) uint64 {
	return func(v *T) uint64 {
		return h.Hash(key(v))
	}
}

// EqualBy returns an equality predicate matching elements whose projected
// key equals k.
func EqualBy[T any, K comparable](k K, key func(v *T) K) func(v *T) bool {
	return func(v *T) bool {
		return key(v) == k
	}
}
