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

// byteGroup is the portable group backend: it inspects one control byte at a
// time and makes no assumption about endianness or unaligned loads. Its
// masks are bit-identical to those of wordGroup.
type byteGroup [GroupSize]ctrl

func loadByteGroup(p *ctrl) byteGroup {
	var g byteGroup
	copy(g[:], unsafe.Slice(p, GroupSize))
	return g
}

func (g byteGroup) store(p *ctrl) {
	copy(unsafe.Slice(p, GroupSize), g[:])
}

func (g byteGroup) match(pred func(c ctrl) bool) bitset {
	var b bitset
	for i, c := range g {
		if pred(c) {
			b |= bitset(0x80) << (uint(i) << 3)
		}
	}
	return b
}

func (g byteGroup) matchByte(c ctrl) bitset {
	return g.match(func(v ctrl) bool { return v == c })
}

func (g byteGroup) matchEmpty() bitset {
	return g.match(func(v ctrl) bool { return v == ctrlEmpty })
}

func (g byteGroup) matchEmptyOrDeleted() bitset {
	return g.match(ctrl.isSpecial)
}

func (g byteGroup) matchFull() bitset {
	return g.match(ctrl.isFull)
}

func (g byteGroup) convertSpecialToEmptyAndFullToDeleted() byteGroup {
	for i, c := range g {
		if c.isFull() {
			g[i] = ctrlDeleted
		} else {
			g[i] = ctrlEmpty
		}
	}
	return g
}
