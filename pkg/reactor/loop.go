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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
)

// DefaultEventBufferSize is the number of events collected per wait when
// Options.EventBufferSize is zero.
const DefaultEventBufferSize = 1024

// Options configures a Loop.
type Options struct {
	// EventBufferSize is the maximum number of events handled per wait. It
	// must not exceed epoll.MaxEvents. Zero means DefaultEventBufferSize.
	EventBufferSize int

	// Logger receives diagnostics about interrupted waits and filtered
	// events. If nil, a rate limited view of the global logger is used.
	Logger log.Logger
}

// Stats counts Loop activity.
type Stats struct {
	// Waits is the number of epoll waits performed.
	Waits uint64

	// Interrupted is the number of waits that were interrupted by a signal.
	Interrupted uint64

	// Dispatched is the number of events delivered to a Reactor.
	Dispatched uint64

	// Stale is the number of events dropped because their registration was
	// released earlier in the same batch.
	Stale uint64

	// Adds and Deletes count the epoll_ctl calls issued by Register and
	// Deregister.
	Adds    uint64
	Deletes uint64
}

// stats holds the live counters. They are written only by the Loop's
// goroutine, but may be read from any goroutine through Loop.Stats.
type stats struct {
	waits       atomic.Uint64
	interrupted atomic.Uint64
	dispatched  atomic.Uint64
	stale       atomic.Uint64
	adds        atomic.Uint64
	deletes     atomic.Uint64
}

// Loop is a run loop: an epoll instance, a registration table, and an event
// buffer reused by every wait.
//
// Except for Stats and Close, a Loop must only be used from one goroutine.
type Loop struct {
	ep *epoll.FD

	// ctl issues interest list changes. It is ep outside of tests.
	ctl epoll.EventPoll

	// current is the token being dispatched.
	current Token

	events []epoll.Event
	table  table
	stats  stats
	log    log.Logger
}

// NewLoop creates a Loop with its own epoll instance.
func NewLoop(opts Options) (*Loop, error) {
	size := opts.EventBufferSize
	if size == 0 {
		size = DefaultEventBufferSize
	}
	if size < 0 || size > epoll.MaxEvents {
		return nil, fmt.Errorf("event buffer size %d out of range [1, %d]", opts.EventBufferSize, epoll.MaxEvents)
	}
	ep, err := epoll.Create()
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.BasicRateLimitedLogger(time.Second)
	}
	return &Loop{
		ep:     ep,
		ctl:    ep,
		events: make([]epoll.Event, size),
		log:    logger,
	}, nil
}

// Poll returns the Loop's epoll instance.
func (l *Loop) Poll() *epoll.FD {
	return l.ep
}

// Register adds fd to the Loop with the readiness conditions in mask and
// returns the token that identifies the registration. r is called whenever
// fd is ready.
//
// If the kernel rejects the registration, nothing is left in the table and
// the *epoll.Error is returned.
//
// A OneShot registration stays live after it fires, disarmed until Rearm, and
// must still be released with Deregister.
func (l *Loop) Register(fd int, mask epoll.EventMask, r Reactor) (Token, error) {
	if r == nil {
		panic(fmt.Sprintf("Register(fd %d): nil Reactor", fd))
	}
	tok := l.table.insert(fd, mask, r)
	l.stats.adds.Add(1)
	if err := l.ctl.Add(fd, mask, uint64(tok)); err != nil {
		l.table.remove(tok)
		return 0, err
	}
	return tok, nil
}

// Deregister removes the registration for tok. The entry is released even if
// the kernel reports an error, so that a descriptor closed and reused after
// this call can never be dispatched to r.
//
// Deregistering a token twice panics.
func (l *Loop) Deregister(tok Token) error {
	e, ok := l.table.get(tok)
	if !ok {
		panic(fmt.Sprintf("Deregister(%v): token was already deregistered", tok))
	}
	fd := e.fd
	l.stats.deletes.Add(1)
	err := l.ctl.Delete(fd)
	l.table.remove(tok)
	return err
}

// Rearm replaces the interest set of a live registration, keeping its token.
// It is how a one-shot registration is armed again after it fires.
func (l *Loop) Rearm(tok Token, mask epoll.EventMask) error {
	e, ok := l.table.get(tok)
	if !ok {
		panic(fmt.Sprintf("Rearm(%v): token was already deregistered", tok))
	}
	if err := l.ctl.Modify(e.fd, mask, uint64(tok)); err != nil {
		return err
	}
	e.mask = mask
	return nil
}

// Run waits for and dispatches events for as long as shouldContinue returns
// true. shouldContinue is checked once before every wait, so a wait that is
// already blocked is not cut short; use a registered wakeup source (such as
// an eventfd.Waker) to stop a Loop promptly.
//
// Interrupted waits are retried. Run returns nil when shouldContinue returns
// false and a *DispatchError if a Reactor fails.
func (l *Loop) Run(shouldContinue func() bool, timeout epoll.Timeout) error {
	for shouldContinue() {
		if _, err := l.RunOnce(timeout); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce performs one wait and dispatches the resulting events. It returns
// the number of events delivered to Reactors. An interrupted wait delivers
// nothing and is not an error.
func (l *Loop) RunOnce(timeout epoll.Timeout) (int, error) {
	l.stats.waits.Add(1)
	events, err := l.ep.Wait(l.events, timeout)
	if err != nil {
		if errors.Is(err, epoll.ErrInterrupted) {
			l.stats.interrupted.Add(1)
			l.log.Debugf("%v: wait interrupted, retrying", l.ep)
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for i := range events {
		tok := Token(events[i].Token())
		mask := events[i].Mask()
		e, ok := l.table.get(tok)
		if !ok {
			// Released by a Reactor earlier in this batch.
			l.stats.stale.Add(1)
			l.log.Debugf("%v: dropping event %v for released token %v", l.ep, mask, tok)
			continue
		}
		// e may move if the Reactor registers new descriptors.
		fd, r := e.fd, e.reactor
		dispatched++
		l.stats.dispatched.Add(1)
		l.current = tok
		if err := r.React(loopPoll{l}, tok, mask); err != nil {
			l.release(tok)
			return dispatched, &DispatchError{Token: tok, FD: fd, Mask: mask, Err: err}
		}
	}
	return dispatched, nil
}

// release deregisters tok after its Reactor failed, unless the Reactor
// already did so itself.
func (l *Loop) release(tok Token) {
	if !l.Registered(tok) {
		return
	}
	if err := l.Deregister(tok); err != nil {
		l.log.Warningf("%v: deregistering failed token %v: %v", l.ep, tok, err)
	}
}

// loopPoll is the epoll.EventPoll handed to Reactors. Changes made through
// it go through the Loop, so the table always matches the interest list.
type loopPoll struct {
	l *Loop
}

// Add implements epoll.EventPoll.Add. It always panics: a registration needs
// a Reactor, so it must be made with Loop.Register.
func (p loopPoll) Add(fd int, mask epoll.EventMask, token uint64) error {
	panic(fmt.Sprintf("Add(fd %d, %v, %#x) from a Reactor: use Loop.Register", fd, mask, token))
}

// Modify implements epoll.EventPoll.Modify as Loop.Rearm. token must be the
// live registration of fd; a Reactor cannot retarget another registration.
func (p loopPoll) Modify(fd int, mask epoll.EventMask, token uint64) error {
	tok := Token(token)
	e, ok := p.l.table.get(tok)
	if !ok || e.fd != fd {
		panic(fmt.Sprintf("Modify(fd %d, %v, %v): token is not a live registration of fd %d", fd, mask, tok, fd))
	}
	return p.l.Rearm(tok, mask)
}

// Delete implements epoll.EventPoll.Delete as Loop.Deregister of fd's
// registration. fd must be registered with the Loop.
func (p loopPoll) Delete(fd int) error {
	tok, ok := p.l.lookupFD(fd)
	if !ok {
		panic(fmt.Sprintf("Delete(fd %d): fd is not registered with this Loop", fd))
	}
	return p.l.Deregister(tok)
}

// lookupFD returns the token of fd's live registration. The kernel allows at
// most one per descriptor.
func (l *Loop) lookupFD(fd int) (Token, bool) {
	if e, ok := l.table.get(l.current); ok && e.fd == fd {
		return l.current, true
	}
	return l.table.find(fd)
}

// Registered returns true if tok names a live registration. Tokens that were
// never issued by l panic.
func (l *Loop) Registered(tok Token) bool {
	_, ok := l.table.get(tok)
	return ok
}

// Len returns the number of live registrations.
func (l *Loop) Len() int {
	return l.table.len()
}

// Stats returns a snapshot of the Loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Waits:       l.stats.waits.Load(),
		Interrupted: l.stats.interrupted.Load(),
		Dispatched:  l.stats.dispatched.Load(),
		Stale:       l.stats.stale.Load(),
		Adds:        l.stats.adds.Load(),
		Deletes:     l.stats.deletes.Load(),
	}
}

// Close closes the epoll instance. Registered descriptors are not closed and
// remain owned by their collaborators. Close is idempotent.
func (l *Loop) Close() error {
	return l.ep.Close()
}
