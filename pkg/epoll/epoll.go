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

// Package epoll wraps a Linux epoll(7) instance.
//
// Every errno an epoll system call can return falls in one of three classes:
//
//   - Conditions a correct program can hit, such as kernel memory pressure or
//     an interrupted wait. These are returned as *Error values.
//   - Conditions that can only be caused by a bug in the caller, such as
//     adding a descriptor twice or waiting with an empty buffer. These panic.
//   - Conditions the kernel does not document for the call. These panic too.
//
// An FD is not safe for concurrent mutation. It is meant to be owned by one
// run loop on one thread.
package epoll

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventPoll is the subset of an epoll instance that a reactor may use while
// handling an event, e.g. to rearm a one-shot registration.
type EventPoll interface {
	// Add registers fd for the readiness conditions in mask, attaching
	// token as the opaque payload of every resulting event.
	Add(fd int, mask EventMask, token uint64) error

	// Modify changes the mask and token of a registered fd.
	Modify(fd int, mask EventMask, token uint64) error

	// Delete removes fd from the interest list.
	Delete(fd int) error
}

// FD is an epoll instance.
type FD struct {
	// fd is the epoll file descriptor, or -1 once closed. It is accessed
	// atomically so that Close is idempotent.
	fd atomic.Int64
}

var _ EventPoll = (*FD)(nil)

// Create returns a new epoll instance with close-on-exec set.
//
// The possible errors are ErrPerProcessDescriptorLimit,
// ErrSystemWideDescriptorLimit and ErrKernelOutOfMemory.
func Create() (*FD, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		errno := err.(unix.Errno)
		switch errno {
		case unix.EMFILE:
			return nil, ErrPerProcessDescriptorLimit
		case unix.ENFILE:
			return nil, ErrSystemWideDescriptorLimit
		case unix.ENOMEM:
			return nil, ErrKernelOutOfMemory
		case unix.EINVAL:
			contractViolation("epoll_create1", errno, "invalid flags")
		default:
			unexpected("epoll_create1", errno)
		}
	}
	f := &FD{}
	f.fd.Store(int64(epfd))
	return f, nil
}

// FD returns the epoll file descriptor, or -1 if it has been closed.
func (f *FD) FD() int {
	return int(f.fd.Load())
}

// Close releases the epoll instance. Calling Close more than once is a no-op
// that returns nil.
func (f *FD) Close() error {
	epfd := f.fd.Swap(-1)
	if epfd < 0 {
		return nil
	}
	return unix.Close(int(epfd))
}

// Add implements EventPoll.Add.
//
// The possible errors are ErrInsufficientKernelMemory and ErrWatchLimit.
func (f *FD) Add(fd int, mask EventMask, token uint64) error {
	const op = "epoll_ctl(EPOLL_CTL_ADD)"
	if mask&^addMask != 0 {
		panic(fmt.Sprintf("%s: fd %d: unsupported bits %v in mask", op, fd, mask&^addMask))
	}
	if mask&Exclusive != 0 && mask&^exclusiveMask != 0 {
		panic(fmt.Sprintf("%s: fd %d: %v may not be combined with Exclusive", op, fd, mask&^exclusiveMask))
	}

	var ev Event
	ev.Events = uint32(mask)
	ev.setToken(token)
	errno := epollCtl(f.FD(), unix.EPOLL_CTL_ADD, fd, &ev)
	switch errno {
	case 0:
		return nil
	case unix.ENOMEM:
		return ErrInsufficientKernelMemory
	case unix.ENOSPC:
		return ErrWatchLimit
	case unix.EBADF:
		contractViolation(op, errno, fmt.Sprintf("epoll fd %d or fd %d is not a valid file descriptor", f.FD(), fd))
	case unix.EEXIST:
		contractViolation(op, errno, fmt.Sprintf("fd %d is already registered with this epoll instance", fd))
	case unix.EINVAL:
		contractViolation(op, errno, fmt.Sprintf("fd %d is this epoll instance, or Exclusive was requested on an epoll fd", fd))
	case unix.ELOOP:
		contractViolation(op, errno, fmt.Sprintf("fd %d is an epoll instance and adding it would create a cycle or exceed the nesting depth", fd))
	case unix.EPERM:
		contractViolation(op, errno, fmt.Sprintf("fd %d does not support epoll (e.g. a regular file or directory)", fd))
	default:
		unexpected(op, errno)
	}
	panic("unreachable")
}

// Modify implements EventPoll.Modify.
//
// The only possible error is ErrInsufficientKernelMemory.
func (f *FD) Modify(fd int, mask EventMask, token uint64) error {
	const op = "epoll_ctl(EPOLL_CTL_MOD)"
	if mask&^modifyMask != 0 {
		panic(fmt.Sprintf("%s: fd %d: unsupported bits %v in mask", op, fd, mask&^modifyMask))
	}

	var ev Event
	ev.Events = uint32(mask)
	ev.setToken(token)
	errno := epollCtl(f.FD(), unix.EPOLL_CTL_MOD, fd, &ev)
	switch errno {
	case 0:
		return nil
	case unix.ENOMEM:
		return ErrInsufficientKernelMemory
	case unix.EBADF:
		contractViolation(op, errno, fmt.Sprintf("epoll fd %d or fd %d is not a valid file descriptor", f.FD(), fd))
	case unix.EINVAL:
		contractViolation(op, errno, fmt.Sprintf("fd %d is not usable, or was registered with Exclusive", fd))
	case unix.ENOENT:
		contractViolation(op, errno, fmt.Sprintf("fd %d is not registered with this epoll instance", fd))
	case unix.EPERM:
		contractViolation(op, errno, fmt.Sprintf("fd %d does not support epoll", fd))
	default:
		unexpected(op, errno)
	}
	panic("unreachable")
}

// Delete implements EventPoll.Delete.
//
// The only possible error is ErrInsufficientKernelMemory. fs/eventpoll.c does
// not allocate on this path, but the documented contract allows it.
func (f *FD) Delete(fd int) error {
	const op = "epoll_ctl(EPOLL_CTL_DEL)"
	errno := epollCtl(f.FD(), unix.EPOLL_CTL_DEL, fd, nil)
	switch errno {
	case 0:
		return nil
	case unix.ENOMEM:
		return ErrInsufficientKernelMemory
	case unix.EBADF:
		contractViolation(op, errno, fmt.Sprintf("epoll fd %d or fd %d is not a valid file descriptor", f.FD(), fd))
	case unix.EINVAL:
		contractViolation(op, errno, fmt.Sprintf("fd %d is not usable", fd))
	case unix.ENOENT:
		contractViolation(op, errno, fmt.Sprintf("fd %d is not registered with this epoll instance", fd))
	case unix.EPERM:
		contractViolation(op, errno, fmt.Sprintf("fd %d does not support epoll", fd))
	default:
		unexpected(op, errno)
	}
	panic("unreachable")
}

// Wait blocks until at least one registered descriptor is ready, timeout
// expires, or a signal handler runs. It fills events and returns the filled
// prefix. Expiry of the timeout is not an error: the returned slice is empty.
//
// The only possible error is ErrInterrupted.
//
// Preconditions:
//   - 0 < len(events) <= MaxEvents.
func (f *FD) Wait(events []Event, timeout Timeout) ([]Event, error) {
	return f.wait("epoll_wait", events, timeout, nil)
}

// WaitWithSignalMask is like Wait, but atomically replaces the calling
// thread's signal mask with mask for the duration of the wait. This closes
// the window between checking a flag set by a signal and blocking.
//
// Preconditions: same as Wait, and mask is non-nil.
func (f *FD) WaitWithSignalMask(events []Event, timeout Timeout, mask *unix.Sigset_t) ([]Event, error) {
	if mask == nil {
		panic("epoll_pwait: nil signal mask")
	}
	return f.wait("epoll_pwait", events, timeout, mask)
}

func (f *FD) wait(op string, events []Event, timeout Timeout, mask *unix.Sigset_t) ([]Event, error) {
	if len(events) == 0 {
		panic(fmt.Sprintf("%s: empty event buffer", op))
	}
	if len(events) > MaxEvents {
		panic(fmt.Sprintf("%s: event buffer of %d exceeds the maximum of %d", op, len(events), MaxEvents))
	}

	n, errno := epollPwait(f.FD(), events, timeout.msec, mask)
	switch errno {
	case 0:
		return events[:n], nil
	case unix.EINTR:
		return nil, ErrInterrupted
	case unix.EBADF:
		contractViolation(op, errno, fmt.Sprintf("epoll fd %d is not a valid file descriptor", f.FD()))
	case unix.EFAULT:
		contractViolation(op, errno, "event buffer is not writable")
	case unix.EINVAL:
		contractViolation(op, errno, fmt.Sprintf("fd %d is not an epoll instance", f.FD()))
	default:
		unexpected(op, errno)
	}
	panic("unreachable")
}

// String implements fmt.Stringer.String.
func (f *FD) String() string {
	return fmt.Sprintf("epoll(fd=%d)", f.FD())
}
