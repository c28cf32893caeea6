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

package eventfd

import (
	"fmt"

	"gvisor.dev/fdreactor/pkg/cleanup"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// Waker wakes a reactor.Loop from other goroutines. Wake may be called from
// anywhere; the callback runs on the Loop's goroutine.
type Waker struct {
	ev    Eventfd
	loop  *reactor.Loop
	token reactor.Token

	// fn is called with the number of Wake calls coalesced into one
	// dispatch. It may be nil.
	fn func(count uint64) error
}

var _ reactor.Reactor = (*Waker)(nil)

// NewWaker creates an eventfd and registers it with l, edge-triggered.
func NewWaker(l *reactor.Loop, fn func(count uint64) error) (*Waker, error) {
	ev, err := Create()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { ev.Close() })
	defer cu.Clean()

	w := &Waker{ev: ev, loop: l, fn: fn}
	tok, err := l.Register(ev.FD(), epoll.ReadableEdge, w)
	if err != nil {
		return nil, fmt.Errorf("registering eventfd %d: %w", ev.FD(), err)
	}
	w.token = tok
	cu.Release()
	return w, nil
}

// Wake makes the Loop's next, or current, wait return and run the callback.
func (w *Waker) Wake() error {
	return w.ev.Notify()
}

// Token returns the registration token.
func (w *Waker) Token() reactor.Token {
	return w.token
}

// React implements reactor.Reactor.React.
func (w *Waker) React(_ epoll.EventPoll, _ reactor.Token, _ epoll.EventMask) error {
	for {
		count, err := w.ev.Read()
		if err == ErrWouldBlock {
			return nil
		}
		if err != nil {
			return err
		}
		if w.fn != nil {
			if err := w.fn(count); err != nil {
				return err
			}
		}
	}
}

// Close deregisters the Waker, unless the Loop already released it after a
// failure, and closes its eventfd. It must be called on the Loop's goroutine.
func (w *Waker) Close() error {
	var err error
	if w.loop.Registered(w.token) {
		err = w.loop.Deregister(w.token)
	}
	if cerr := w.ev.Close(); err == nil {
		err = cerr
	}
	return err
}
