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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a recoverable epoll failure. It carries the errno reported by the
// kernel and compares equal only to itself, so callers match the sentinel
// values below with errors.Is.
//
// Only conditions a correct caller can hit are Errors. Misuse of the API,
// such as registering a descriptor twice, panics instead.
type Error struct {
	errno   unix.Errno
	message string
}

func newError(errno unix.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno.
func (e *Error) Errno() unix.Errno { return e.errno }

// Unwrap returns the underlying errno, so errors.Is(err, unix.ENOMEM) also
// holds.
func (e *Error) Unwrap() error { return e.errno }

// Resource exhaustion. The core never retries these; it is up to the caller
// to back off or give up.
var (
	// ErrPerProcessDescriptorLimit is returned by Create on EMFILE.
	ErrPerProcessDescriptorLimit = newError(unix.EMFILE, "per-process limit on the number of open file descriptors would be exceeded")

	// ErrSystemWideDescriptorLimit is returned by Create on ENFILE.
	ErrSystemWideDescriptorLimit = newError(unix.ENFILE, "system-wide limit on the total number of open files would be exceeded")

	// ErrKernelOutOfMemory is returned by Create on ENOMEM.
	ErrKernelOutOfMemory = newError(unix.ENOMEM, "kernel out of memory creating an epoll instance")

	// ErrInsufficientKernelMemory is returned by Add, Modify and Delete on
	// ENOMEM.
	ErrInsufficientKernelMemory = newError(unix.ENOMEM, "insufficient kernel memory to complete the epoll control operation")

	// ErrWatchLimit is returned by Add on ENOSPC: the limit in
	// /proc/sys/fs/epoll/max_user_watches would be exceeded.
	ErrWatchLimit = newError(unix.ENOSPC, "limit on epoll watches would be exceeded")
)

// ErrInterrupted is returned by Wait when a signal handler ran before any
// event became ready. It is always safe to retry immediately.
var ErrInterrupted = newError(unix.EINTR, "epoll wait interrupted by a signal")

// IsResourceExhaustion returns true if err is one of the resource exhaustion
// errors above.
func IsResourceExhaustion(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e {
	case ErrPerProcessDescriptorLimit, ErrSystemWideDescriptorLimit, ErrKernelOutOfMemory, ErrInsufficientKernelMemory, ErrWatchLimit:
		return true
	default:
		return false
	}
}

// contractViolation panics for an errno that can only be caused by a bug in
// the caller.
func contractViolation(op string, errno unix.Errno, what string) {
	panic(fmt.Sprintf("%s: %s (%v)", op, what, errno))
}

// unexpected panics for an errno the kernel does not document for op.
func unexpected(op string, errno unix.Errno) {
	panic(fmt.Sprintf("%s: unexpected errno %d (%v)", op, int(errno), errno))
}
