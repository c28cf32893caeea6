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

package epoll

import (
	"fmt"
	"strings"
)

// EventMask is a set of epoll readiness conditions and registration
// requests. The bit values are those of epoll_ctl(2).
type EventMask uint32

// Readiness conditions. EventErr and EventHUp are always reported by the
// kernel and need not be requested.
const (
	EventIn    EventMask = 0x001  // EPOLLIN
	EventPri   EventMask = 0x002  // EPOLLPRI
	EventOut   EventMask = 0x004  // EPOLLOUT
	EventErr   EventMask = 0x008  // EPOLLERR
	EventHUp   EventMask = 0x010  // EPOLLHUP
	EventRDHUp EventMask = 0x2000 // EPOLLRDHUP
)

// Registration requests. These are only meaningful as input to Add and
// Modify and are never reported by Wait.
const (
	Exclusive     EventMask = 1 << 28 // EPOLLEXCLUSIVE
	WakeUp        EventMask = 1 << 29 // EPOLLWAKEUP
	OneShot       EventMask = 1 << 30 // EPOLLONESHOT
	EdgeTriggered EventMask = 1 << 31 // EPOLLET
)

// Common combinations.
const (
	// ReadableEdge is the interest set used for resources that must be
	// drained on each notification, such as a signalfd.
	ReadableEdge = EventIn | EdgeTriggered

	// ReadWriteEdge requests edge-triggered readable and writable
	// notifications together with peer hang-up.
	ReadWriteEdge = EventIn | EventOut | EventRDHUp | EdgeTriggered
)

const (
	readinessMask = EventIn | EventPri | EventOut | EventErr | EventHUp | EventRDHUp
	requestMask   = Exclusive | WakeUp | OneShot | EdgeTriggered

	// addMask is every bit Add accepts.
	addMask = readinessMask | requestMask

	// modifyMask is every bit Modify accepts. The kernel rejects
	// EPOLLEXCLUSIVE for EPOLL_CTL_MOD.
	modifyMask = addMask &^ Exclusive

	// exclusiveMask is every bit that may accompany Exclusive.
	exclusiveMask = EventIn | EventOut | EventErr | EventHUp | WakeUp | EdgeTriggered | Exclusive
)

var eventNames = []struct {
	mask EventMask
	name string
}{
	{EventIn, "In"},
	{EventPri, "Pri"},
	{EventOut, "Out"},
	{EventErr, "Err"},
	{EventHUp, "HUp"},
	{EventRDHUp, "RDHUp"},
	{Exclusive, "Exclusive"},
	{WakeUp, "WakeUp"},
	{OneShot, "OneShot"},
	{EdgeTriggered, "ET"},
}

// String implements fmt.Stringer.String.
func (m EventMask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	for _, n := range eventNames {
		if m&n.mask != 0 {
			parts = append(parts, n.name)
			m &^= n.mask
		}
	}
	if m != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(m)))
	}
	return strings.Join(parts, "|")
}

// Readable returns true if m reports the resource as readable.
func (m EventMask) Readable() bool {
	return m&EventIn != 0
}

// Writable returns true if m reports the resource as writable.
func (m EventMask) Writable() bool {
	return m&EventOut != 0
}

// HangUp returns true if m reports an error, a hang-up or a peer hang-up.
func (m EventMask) HangUp() bool {
	return m&(EventErr|EventHUp|EventRDHUp) != 0
}

// Readiness returns only the readiness conditions in m.
func (m EventMask) Readiness() EventMask {
	return m & readinessMask
}
