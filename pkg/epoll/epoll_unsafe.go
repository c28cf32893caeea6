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

package epoll

import (
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification: the token supplied at registration
// and the conditions that are ready. It has the layout of struct
// epoll_event, so a []Event is passed to the kernel as is.
type Event unix.EpollEvent

// MaxEvents is the largest event buffer the kernel accepts in one wait.
const MaxEvents = math.MaxInt32 / int(unsafe.Sizeof(Event{}))

// sigsetSize is the kernel's sizeof(sigset_t), _NSIG / 8.
const sigsetSize = 8

// NewEvent returns an Event carrying token and mask.
func NewEvent(token uint64, mask EventMask) Event {
	ev := Event{Events: uint32(mask)}
	ev.setToken(token)
	return ev
}

// Token returns the opaque 64-bit payload of the registration.
//
// epoll_data is the 8 bytes starting at Fd on every architecture; on amd64
// they are unaligned, which the hardware tolerates.
func (e *Event) Token() uint64 {
	return *(*uint64)(unsafe.Pointer(&e.Fd))
}

func (e *Event) setToken(token uint64) {
	*(*uint64)(unsafe.Pointer(&e.Fd)) = token
}

// Mask returns the ready conditions.
func (e *Event) Mask() EventMask {
	return EventMask(e.Events)
}

// String implements fmt.Stringer.String.
func (e Event) String() string {
	return fmt.Sprintf("{token=%#x mask=%v}", e.Token(), e.Mask())
}

// epollCtl performs epoll_ctl(2). ev may be nil for EPOLL_CTL_DEL.
func epollCtl(epfd int, op int, fd int, ev *Event) unix.Errno {
	_, _, e := unix.RawSyscall6(unix.SYS_EPOLL_CTL, uintptr(epfd), uintptr(op), uintptr(fd), uintptr(unsafe.Pointer(ev)), 0, 0)
	return e
}

// epollPwait performs a wait on epfd.
//
// We always use epoll_pwait, with a NULL sigmask for a plain wait, since that
// is what the Go runtime prefers and arm64 has no epoll_wait.
//
// Preconditions:
//   - len(events) > 0
func epollPwait(epfd int, events []Event, msec int, mask *unix.Sigset_t) (int, unix.Errno) {
	var sigset, sigsetLen uintptr
	if mask != nil {
		sigset = uintptr(unsafe.Pointer(mask))
		sigsetLen = sigsetSize
	}

	var (
		r uintptr
		e unix.Errno
	)
	if msec == 0 {
		// A non-blocking poll does not need to tell the scheduler.
		r, _, e = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)), 0, sigset, sigsetLen)
	} else {
		r, _, e = unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)), uintptr(msec), sigset, sigsetLen)
	}
	if e != 0 {
		return 0, e
	}
	return int(r), 0
}
