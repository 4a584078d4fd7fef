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
	"math/bits"
	"strings"
	"unsafe"
)

const (
	// GroupSize is the number of control bytes loaded and matched as a unit.
	GroupSize = 8

	ctrlEmpty   ctrl = 0b11111111
	ctrlDeleted ctrl = 0b10000000

	bitsetLSB  = 0x0101010101010101
	bitsetMSB  = 0x8080808080808080
	bitsetLow7 = 0x7f7f7f7f7f7f7f7f
)

// Each bucket in the table has a control byte which can have one of three
// states: empty, deleted and full. They have the following bit patterns:
//
//	  empty: 1 1 1 1 1 1 1 1
//	deleted: 1 0 0 0 0 0 0 0
//	   full: 0 h h h h h h h  // h represents the H2 hash bits
//
// The high bit distinguishes full from special (empty or deleted) bytes, and
// bit 0 of a special byte distinguishes empty from deleted.
type ctrl uint8

func (c ctrl) isFull() bool {
	return c&0x80 == 0
}

func (c ctrl) isSpecial() bool {
	return c&0x80 != 0
}

// specialIsEmpty reports whether a special control byte is empty. It must
// only be called on a special byte.
func (c ctrl) specialIsEmpty() bool {
	return c&0x01 != 0
}

// emptyGroup backs the control bytes of every table that has not allocated.
// It is never written: the growth check in Insert always fires first.
var emptyGroup = func() unsafeSlice[ctrl] {
	v := make([]ctrl, GroupSize)
	for i := range v {
		v[i] = ctrlEmpty
	}
	return makeUnsafeSlice(v)
}()

// h1 extracts the primary hash used to select the initial probe position.
// On 32-bit platforms the high hash bits are ignored.
func h1(hash uint64) uintptr {
	return uintptr(hash)
}

// h2 extracts the secondary hash stored in the low 7 bits of a full control
// byte. It takes the top 7 bits of the platform word so that hash functions
// producing word-sized results still spread over all 128 tags.
func h2(hash uint64) ctrl {
	return ctrl((hash >> (bits.UintSize - 7)) & 0x7f)
}

// bitset is the result of matching a group: lane i is set iff bit 8*i+7 is
// set. Both group backends produce exactly this representation.
type bitset uint64

// first returns the lowest set lane. The bitset must be non-empty.
func (b bitset) first() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

// removeFirst clears the lowest set lane.
func (b bitset) removeFirst() bitset {
	return b & (b - 1)
}

func (b bitset) any() bool {
	return b != 0
}

// leadingZeros returns the number of unset lanes at the end of the group.
func (b bitset) leadingZeros() uintptr {
	return uintptr(bits.LeadingZeros64(uint64(b))) >> 3
}

// trailingZeros returns the number of unset lanes at the start of the group.
func (b bitset) trailingZeros() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

// flip toggles lane i and reports whether it was set beforehand.
func (b *bitset) flip(i uintptr) bool {
	bit := bitset(0x80) << (i << 3)
	*b ^= bit
	return *b&bit == 0
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(GroupSize)
	for i := 0; i < GroupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// wordGroup matches a group of control bytes with SWAR (SIMD Within A
// Register) bit tricks on a single 64-bit load. It assumes a little endian
// CPU so that lane i is byte i of the loaded word.
type wordGroup uint64

func loadWordGroup(p *ctrl) wordGroup {
	return *(*wordGroup)(unsafe.Pointer(p))
}

func (g wordGroup) store(p *ctrl) {
	*(*wordGroup)(unsafe.Pointer(p)) = g
}

// matchByte returns the lanes equal to c. Unlike the classic "has zero byte"
// trick this test is exact: carries never cross lanes because the low 7 bits
// are added separately from the high bit.
func (g wordGroup) matchByte(c ctrl) bitset {
	x := uint64(g) ^ (bitsetLSB * uint64(c))
	return bitset(^(((x & bitsetLow7) + bitsetLow7) | x | bitsetLow7))
}

// matchEmpty returns the lanes holding ctrlEmpty. An empty byte is the only
// one with both bit 7 and bit 6 set.
func (g wordGroup) matchEmpty() bitset {
	v := uint64(g)
	return bitset(v & (v << 1) & bitsetMSB)
}

// matchEmptyOrDeleted returns the lanes holding a special byte.
func (g wordGroup) matchEmptyOrDeleted() bitset {
	return bitset(uint64(g) & bitsetMSB)
}

// matchFull returns the lanes holding a full byte.
func (g wordGroup) matchFull() bitset {
	return bitset(^uint64(g) & bitsetMSB)
}

// convertSpecialToEmptyAndFullToDeleted maps empty and deleted bytes to
// empty, and full bytes to deleted:
//
//   - special (MSB set):  full=0x00, ^full=0xff, +0 = 0xff = empty.
//   - full (MSB clear):   full=0x80, ^full=0x7f, +1 = 0x80 = deleted.
func (g wordGroup) convertSpecialToEmptyAndFullToDeleted() wordGroup {
	full := ^uint64(g) & bitsetMSB
	return wordGroup(^full + (full >> 7))
}
