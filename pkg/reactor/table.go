// Copyright 2026 The gVisor Authors.
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

//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"math"

	"gvisor.dev/fdreactor/pkg/epoll"
)

// entry is one slot of the registration table.
type entry struct {
	// generation is the current generation of the slot. It is incremented
	// when the slot is released, which invalidates every token issued for
	// the previous occupant.
	generation uint32

	// live is true if the slot holds a registration.
	live bool

	fd      int
	mask    epoll.EventMask
	reactor Reactor
}

// table is a dense arena of registrations. Released slots are reused through
// a free list, so lookups are a bounds check and an index.
//
// table is not safe for concurrent use.
type table struct {
	slots []entry
	free  []uint32
	count int
}

// insert adds a registration and returns its token.
func (t *table) insert(fd int, mask epoll.EventMask, r Reactor) Token {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if uint64(len(t.slots)) == math.MaxUint32 {
			panic("registration table is full")
		}
		slot = uint32(len(t.slots))
		t.slots = append(t.slots, entry{})
	}
	e := &t.slots[slot]
	e.live = true
	e.fd = fd
	e.mask = mask
	e.reactor = r
	t.count++
	return makeToken(slot, e.generation)
}

// get returns the live entry for tok.
//
// It returns false if tok refers to a registration that has since been
// released. It panics if tok could never have been issued by this table,
// which means the table and the kernel's interest list have diverged.
func (t *table) get(tok Token) (*entry, bool) {
	slot, gen := tok.slot(), tok.generation()
	if int(slot) >= len(t.slots) {
		panic(fmt.Sprintf("token %v names slot %d, but only %d slots were ever allocated", tok, slot, len(t.slots)))
	}
	e := &t.slots[slot]
	switch {
	case gen == e.generation && e.live:
		return e, true
	case gen < e.generation:
		return nil, false
	default:
		panic(fmt.Sprintf("token %v is ahead of slot %d (generation %d, live %t)", tok, slot, e.generation, e.live))
	}
}

// find returns the token of the live entry for fd.
func (t *table) find(fd int) (Token, bool) {
	for i := range t.slots {
		if e := &t.slots[i]; e.live && e.fd == fd {
			return makeToken(uint32(i), e.generation), true
		}
	}
	return 0, false
}

// remove releases the registration for tok and returns it. tok must be live.
func (t *table) remove(tok Token) entry {
	e, ok := t.get(tok)
	if !ok {
		panic(fmt.Sprintf("token %v was already deregistered", tok))
	}
	old := *e
	// Generations wrap after 2^32 reuses of one slot, at which point a
	// stale token from that long ago would be accepted again.
	*e = entry{generation: e.generation + 1}
	t.free = append(t.free, tok.slot())
	t.count--
	return old
}

// len returns the number of live registrations.
func (t *table) len() int {
	return t.count
}
