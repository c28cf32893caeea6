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

// Package signalfd delivers process signals through a reactor.Loop.
//
// Register blocks every signal on the calling thread and routes them to a
// signalfd, so signals become ordinary readable events handled on the Loop's
// goroutine. The change to the thread's signal mask is permanent: nothing in
// this package restores it. Callers must therefore hold
// runtime.LockOSThread for the lifetime of the thread.
package signalfd

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/cleanup"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// batchSize is the number of records read per read(2).
const batchSize = 32

// numSignals is the highest signal number, _NSIG - 1.
const numSignals = 64

const sizeofSiginfo = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// Handler is called for every signal read from the signalfd.
type Handler interface {
	// HandleSignal handles one signal. A non-nil error stops the Loop.
	HandleSignal(info *unix.SignalfdSiginfo) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(info *unix.SignalfdSiginfo) error

// HandleSignal implements Handler.HandleSignal.
func (f HandlerFunc) HandleSignal(info *unix.SignalfdSiginfo) error {
	return f(info)
}

// AllSignalReactor is a reactor.Reactor reading every signal delivered to
// the thread that registered it.
type AllSignalReactor struct {
	fd      int
	token   reactor.Token
	handler Handler
	buf     [batchSize]unix.SignalfdSiginfo
}

var _ reactor.Reactor = (*AllSignalReactor)(nil)

// FillSignalSet returns a set containing every signal.
func FillSignalSet() unix.Sigset_t {
	var set unix.Sigset_t
	for sig := 1; sig <= numSignals; sig++ {
		AddSignal(&set, unix.Signal(sig))
	}
	return set
}

// AddSignal adds sig to set.
func AddSignal(set *unix.Sigset_t, sig unix.Signal) {
	wordBits := uint(unsafe.Sizeof(set.Val[0])) * 8
	bit := uint(sig) - 1
	set.Val[bit/wordBits] |= 1 << (bit % wordBits)
}

// Register creates a signalfd for every signal, blocks every signal on the
// calling thread, and registers the signalfd with l. h is called for each
// signal the Loop reads.
//
// The signal mask is changed after the signalfd exists and before it is
// registered, so no signal can be delivered in the usual way once Register
// returns. SIGKILL and SIGSTOP cannot be blocked and are never read.
//
// Preconditions: the caller holds runtime.LockOSThread.
func Register(l *reactor.Loop, h Handler) (*AllSignalReactor, error) {
	set := FillSignalSet()
	fd, err := unix.Signalfd(-1, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("signalfd: %w", err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("blocking all signals: %w", err)
	}

	r := &AllSignalReactor{fd: fd, handler: h}
	tok, err := l.Register(fd, epoll.ReadableEdge, r)
	if err != nil {
		return nil, fmt.Errorf("registering signalfd %d: %w", fd, err)
	}
	r.token = tok
	cu.Release()
	log.Debugf("Signal reactor registered: fd %d, token %v", fd, tok)
	return r, nil
}

// FD returns the signalfd.
func (r *AllSignalReactor) FD() int {
	return r.fd
}

// Token returns the registration token.
func (r *AllSignalReactor) Token() reactor.Token {
	return r.token
}

// React implements reactor.Reactor.React. It reads until the signalfd is
// empty, calling the Handler once per signal.
func (r *AllSignalReactor) React(_ epoll.EventPoll, _ reactor.Token, mask epoll.EventMask) error {
	if mask != epoll.EventIn {
		panic(fmt.Sprintf("signalfd %d: unexpected readiness %v, want %v", r.fd, mask, epoll.EventIn))
	}
	for {
		n, err := r.read()
		switch err {
		case nil:
		case unix.EAGAIN:
			return nil
		case unix.EINTR:
			panic(fmt.Sprintf("signalfd %d: read interrupted with every signal blocked", r.fd))
		default:
			return fmt.Errorf("reading signalfd %d: %w", r.fd, err)
		}
		for i := 0; i < n; i++ {
			if err := r.handler.HandleSignal(&r.buf[i]); err != nil {
				return err
			}
		}
	}
}

// read fills r.buf and returns the number of records read.
func (r *AllSignalReactor) read() (int, error) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(&r.buf[0])), len(r.buf)*sizeofSiginfo)
	n, err := unix.Read(r.fd, b)
	if err != nil {
		return 0, err
	}
	if n%sizeofSiginfo != 0 {
		panic(fmt.Sprintf("signalfd %d: read %d bytes, not a multiple of %d", r.fd, n, sizeofSiginfo))
	}
	return n / sizeofSiginfo, nil
}

// Close closes the signalfd. The caller must deregister it from the Loop
// first. The thread's signal mask is left as is.
func (r *AllSignalReactor) Close() error {
	return unix.Close(r.fd)
}
