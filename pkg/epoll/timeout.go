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
	"math"
	"time"
)

// Timeout is the timeout argument of an epoll wait: block forever, return
// immediately, or wait up to a number of milliseconds.
//
// The zero value returns immediately.
type Timeout struct {
	msec int
}

var (
	// Forever blocks until an event, or a signal, arrives.
	Forever = Timeout{msec: -1}

	// Immediate polls without blocking.
	Immediate = Timeout{msec: 0}
)

// Milliseconds returns a Timeout of n milliseconds.
func Milliseconds(n uint32) Timeout {
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return Timeout{msec: int(n)}
}

// After returns a Timeout that waits up to d. Durations are rounded up to
// whole milliseconds so that a short positive duration still blocks; d <= 0
// is Immediate.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return Immediate
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return Timeout{msec: int(ms)}
}

// Milliseconds returns the value passed to the kernel: -1 for Forever.
func (t Timeout) Milliseconds() int {
	return t.msec
}

// IsForever returns true if t blocks indefinitely.
func (t Timeout) IsForever() bool {
	return t.msec < 0
}

// String implements fmt.Stringer.String.
func (t Timeout) String() string {
	switch {
	case t.msec < 0:
		return "forever"
	case t.msec == 0:
		return "immediate"
	default:
		return fmt.Sprintf("%dms", t.msec)
	}
}
