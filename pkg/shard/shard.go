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

// Package shard runs several independent reactor Loops, each on its own OS
// thread.
//
// A Loop dispatches on a single thread, so one slow Reactor stalls every
// registration on it. A Group spreads registrations over several Loops
// instead. Shards share nothing; Setup decides what each one serves.
package shard

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/fdreactor/pkg/cleanup"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/eventfd"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// Options configures a Group.
type Options struct {
	// Shards is the number of Loops to run.
	Shards int

	// Loop configures every shard's Loop.
	Loop reactor.Options

	// Timeout bounds each wait. Stop wakes blocked waits, so this is
	// usually epoll.Forever. The zero value polls without blocking.
	Timeout epoll.Timeout

	// Setup is called on each shard's thread before its Loop starts,
	// typically to register the shard's resources. An error stops the
	// Group.
	Setup func(s *Shard) error
}

// Shard is one Loop of a Group.
type Shard struct {
	// ID is the shard's index in [0, Options.Shards).
	ID int

	// Loop is the shard's run loop. It must only be used on the shard's
	// thread, i.e. from Setup and from the Loop's Reactors.
	Loop *reactor.Loop

	waker *eventfd.Waker

	// atExit holds teardown added by AtExit.
	atExit cleanup.Cleanup

	// closed is set, under Group.mu, once waker is closed.
	closed bool
}

// AtExit arranges for f to run on the shard's thread when its Loop stops,
// before the Loop is closed. Functions run in reverse order of addition.
func (s *Shard) AtExit(f func()) {
	s.atExit.Add(f)
}

// Group is a set of shards.
type Group struct {
	opts Options

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	shards []*Shard
}

// New validates opts and returns a Group ready to Run.
func New(opts Options) (*Group, error) {
	if opts.Shards <= 0 {
		return nil, fmt.Errorf("invalid shard count %d", opts.Shards)
	}
	return &Group{
		opts:   opts,
		done:   make(chan struct{}),
		shards: make([]*Shard, opts.Shards),
	}, nil
}

// Run starts every shard and blocks until they have all exited. Shards exit
// when Stop is called, when ctx is done, or when any shard fails; the first
// failure is returned.
//
// Each shard's OS thread is discarded when the shard exits, since Setup may
// have changed thread state such as the signal mask.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.opts.Shards; i++ {
		id := i
		eg.Go(func() error {
			return g.runShard(id)
		})
	}
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			g.Stop()
		case <-g.done:
		}
		return nil
	})
	return eg.Wait()
}

func (g *Group) runShard(id int) error {
	// Never unlocked; see Run.
	runtime.LockOSThread()

	l, err := reactor.NewLoop(g.opts.Loop)
	if err != nil {
		return fmt.Errorf("shard %d: %w", id, err)
	}
	defer l.Close()

	// The callback is empty: the wakeup itself makes the Loop check
	// g.stopping.
	w, err := eventfd.NewWaker(l, nil)
	if err != nil {
		return fmt.Errorf("shard %d: %w", id, err)
	}
	s := &Shard{ID: id, Loop: l, waker: w}
	g.mu.Lock()
	g.shards[id] = s
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		s.closed = true
		w.Close()
	}()

	defer s.atExit.Clean()

	if g.opts.Setup != nil {
		if err := g.opts.Setup(s); err != nil {
			return fmt.Errorf("shard %d setup: %w", id, err)
		}
	}

	log.Infof("Shard %d running, %d registrations", id, l.Len())
	if err := l.Run(func() bool { return !g.stopping.Load() }, g.opts.Timeout); err != nil {
		return fmt.Errorf("shard %d: %w", id, err)
	}
	log.Infof("Shard %d stopped", id)
	return nil
}

// Stop asks every shard to exit and wakes those blocked in a wait. It does
// not wait for them; Run returns once they have. Stop may be called from any
// goroutine, any number of times.
func (g *Group) Stop() {
	g.stopping.Store(true)
	g.stopOnce.Do(func() { close(g.done) })

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.shards {
		if s == nil || s.closed {
			continue
		}
		if err := s.waker.Wake(); err != nil {
			log.Warningf("Waking shard %d: %v", s.ID, err)
		}
	}
}

// Stats returns the counters of every shard that has started, indexed by
// shard ID. Shards that never started report zero counters.
func (g *Group) Stats() []reactor.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := make([]reactor.Stats, len(g.shards))
	for i, s := range g.shards {
		if s != nil {
			stats[i] = s.Loop.Stats()
		}
	}
	return stats
}
