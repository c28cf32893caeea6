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

// Package reactor implements a single-threaded readiness dispatcher on top of
// an epoll instance.
//
// A Loop owns one epoll.FD and a registration table mapping tokens to
// Reactors. Collaborators register a descriptor together with a Reactor; the
// Loop waits for readiness and calls each Reactor in the order the kernel
// reported its events. Reactors run to completion on the Loop's goroutine, so
// a slow Reactor delays every other registration. Programs that need
// parallelism run several Loops, one per OS thread; see package shard.
package reactor

import (
	"fmt"

	"gvisor.dev/fdreactor/pkg/epoll"
)

// Token identifies a registration. The low 32 bits are the table slot and the
// high 32 bits are the slot's generation, which changes every time the slot
// is released. A Token is only meaningful to the Loop that issued it.
type Token uint64

func makeToken(slot, generation uint32) Token {
	return Token(uint64(generation)<<32 | uint64(slot))
}

func (t Token) slot() uint32 {
	return uint32(t)
}

func (t Token) generation() uint32 {
	return uint32(t >> 32)
}

// String implements fmt.Stringer.String.
func (t Token) String() string {
	return fmt.Sprintf("%d/%d", t.slot(), t.generation())
}

// Reactor handles readiness of one registered descriptor.
//
// ep is a view of the Loop's epoll instance that keeps the Loop's table up
// to date. A Reactor may call ep.Modify on its own descriptor, e.g. to rearm
// a one-shot registration, passing uint64(token), and ep.Delete on any
// registered descriptor, which is the same as Loop.Deregister. ep.Add panics;
// new registrations go through Loop.Register.
//
// For an edge-triggered registration, React must consume the resource until
// it would block, or it will not be notified again until the resource changes
// state.
//
// A non-nil error is fatal to the registration: the Loop deregisters it,
// discards the rest of the current batch and returns a *DispatchError.
type Reactor interface {
	React(ep epoll.EventPoll, token Token, mask epoll.EventMask) error
}

// ReactorFunc adapts a function to Reactor.
type ReactorFunc func(ep epoll.EventPoll, token Token, mask epoll.EventMask) error

// React implements Reactor.React.
func (f ReactorFunc) React(ep epoll.EventPoll, token Token, mask epoll.EventMask) error {
	return f(ep, token, mask)
}

// DispatchError is returned by Run when a Reactor fails.
type DispatchError struct {
	// Token is the registration whose Reactor failed. It has already been
	// deregistered.
	Token Token

	// FD is the descriptor of that registration.
	FD int

	// Mask is the readiness that was being handled.
	Mask epoll.EventMask

	// Err is the error returned by the Reactor.
	Err error
}

// Error implements error.Error.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("reactor for fd %d (token %v, mask %v) failed: %v", e.FD, e.Token, e.Mask, e.Err)
}

// Unwrap returns the Reactor's error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}
