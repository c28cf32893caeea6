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
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(Options{
		EventBufferSize: 16,
		Logger:          &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	})
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2 failed: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func write(t *testing.T, fd int, data string) {
	t.Helper()
	if _, err := unix.Write(fd, []byte(data)); err != nil {
		t.Fatalf("write(%d) failed: %v", fd, err)
	}
}

type call struct {
	Token Token
	Mask  epoll.EventMask
}

// recorder is a Reactor that records its calls.
type recorder struct {
	calls []call
	err   error
}

func (r *recorder) React(_ epoll.EventPoll, token Token, mask epoll.EventMask) error {
	r.calls = append(r.calls, call{token, mask})
	return r.err
}

func TestNewLoopBufferSize(t *testing.T) {
	for _, size := range []int{-1, epoll.MaxEvents + 1} {
		if l, err := NewLoop(Options{EventBufferSize: size}); err == nil {
			l.Close()
			t.Errorf("NewLoop(EventBufferSize: %d) succeeded, want error", size)
		}
	}
	l, err := NewLoop(Options{})
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	defer l.Close()
	if got := len(l.events); got != DefaultEventBufferSize {
		t.Errorf("default event buffer: got %d, want %d", got, DefaultEventBufferSize)
	}
}

func TestRegisterDeregister(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)
	tok, err := l.Register(r, epoll.EventIn, &recorder{})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len() after Register: got %d, want 1", got)
	}
	if err := l.Deregister(tok); err != nil {
		t.Fatalf("Deregister() failed: %v", err)
	}
	if got := l.Len(); got != 0 {
		t.Errorf("Len() after Deregister: got %d, want 0", got)
	}
	if diff := cmp.Diff(Stats{Adds: 1, Deletes: 1}, l.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	mustPanic(t, "Deregister twice", func() { l.Deregister(tok) })
}

func TestTokensAreUnique(t *testing.T) {
	l := newLoop(t)
	seen := make(map[Token]bool)
	var toks []Token
	for i := 0; i < 4; i++ {
		r, _ := newPipe(t)
		tok, err := l.Register(r, epoll.EventIn, &recorder{})
		if err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		if seen[tok] {
			t.Fatalf("Register() returned duplicate token %v", tok)
		}
		seen[tok] = true
		toks = append(toks, tok)
	}
	if err := l.Deregister(toks[1]); err != nil {
		t.Fatalf("Deregister() failed: %v", err)
	}
	r, _ := newPipe(t)
	tok, err := l.Register(r, epoll.EventIn, &recorder{})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if seen[tok] {
		t.Errorf("Register() after Deregister reissued token %v", tok)
	}
}

func TestBasicDispatch(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	rec := &recorder{}
	tok, err := l.Register(r, epoll.EventIn, rec)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")

	n, err := l.RunOnce(epoll.Milliseconds(10))
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RunOnce(): got %d events, want 1", n)
	}
	if diff := cmp.Diff([]call{{tok, epoll.EventIn}}, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceTimeout(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)
	rec := &recorder{}
	if _, err := l.Register(r, epoll.EventIn, rec); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	n, err := l.RunOnce(epoll.Milliseconds(5))
	if err != nil || n != 0 {
		t.Errorf("RunOnce(): got %d, %v, want 0, nil", n, err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("reactor called %d times, want 0", len(rec.calls))
	}
}

func TestRunStopsWhenPredicateFails(t *testing.T) {
	l := newLoop(t)
	iterations := 0
	err := l.Run(func() bool {
		iterations++
		return iterations <= 3
	}, epoll.Immediate)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if got := l.Stats().Waits; got != 3 {
		t.Errorf("Stats().Waits: got %d, want 3", got)
	}
}

func TestReactorErrorStopsBatch(t *testing.T) {
	l := newLoop(t)
	errBoom := errors.New("boom")
	recs := []*recorder{{err: errBoom}, {err: errBoom}}
	for _, rec := range recs {
		r, w := newPipe(t)
		if _, err := l.Register(r, epoll.EventIn, rec); err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		write(t, w, "x")
	}

	err := l.Run(func() bool { return true }, epoll.Milliseconds(10))
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("Run(): got %v, want a *DispatchError", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Run(): got %v, want it to wrap %v", err, errBoom)
	}
	if got := len(recs[0].calls) + len(recs[1].calls); got != 1 {
		t.Errorf("reactors called %d times, want 1", got)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len(): got %d, want 1 after the failed registration was released", got)
	}
	if got := l.Stats().Deletes; got != 1 {
		t.Errorf("Stats().Deletes: got %d, want 1", got)
	}
}

func TestStaleEventsFiltered(t *testing.T) {
	l := newLoop(t)
	var toks [2]Token
	calls := 0
	for i := range toks {
		other := 1 - i
		r, w := newPipe(t)
		tok, err := l.Register(r, epoll.EventIn, ReactorFunc(func(epoll.EventPoll, Token, epoll.EventMask) error {
			calls++
			// Whichever runs first releases the other, whose event is
			// already in the batch.
			return l.Deregister(toks[other])
		}))
		if err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		toks[i] = tok
		write(t, w, "x")
	}

	n, err := l.RunOnce(epoll.Milliseconds(10))
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if n != 1 || calls != 1 {
		t.Errorf("RunOnce(): dispatched %d events with %d calls, want 1 and 1", n, calls)
	}
	st := l.Stats()
	if st.Stale != 1 || st.Dispatched != 1 {
		t.Errorf("Stats(): got %+v, want Stale 1 and Dispatched 1", st)
	}
}

func TestStaleEventForReusedSlot(t *testing.T) {
	l := newLoop(t)
	var victim Token
	replacement := &recorder{}
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	r3, _ := newPipe(t)

	first := true
	killer := ReactorFunc(func(epoll.EventPoll, Token, epoll.EventMask) error {
		if !first {
			return nil
		}
		first = false
		if err := l.Deregister(victim); err != nil {
			return err
		}
		// Reuses the victim's slot under a new generation.
		_, err := l.Register(r3, epoll.EventIn, replacement)
		return err
	})

	var err error
	victimRec := &recorder{}
	// Register the victim second so the killer's event can come first; the
	// kernel reports the ready list in the order it became ready.
	if _, err = l.Register(r1, epoll.EventIn, killer); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if victim, err = l.Register(r2, epoll.EventIn, victimRec); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w1, "x")
	write(t, w2, "x")

	if _, err := l.RunOnce(epoll.Milliseconds(10)); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if len(victimRec.calls) != 0 {
		t.Errorf("released reactor was called %d times", len(victimRec.calls))
	}
	if len(replacement.calls) != 0 {
		t.Errorf("replacement reactor received the victim's event")
	}
	if got := l.Stats().Stale; got != 1 {
		t.Errorf("Stats().Stale: got %d, want 1", got)
	}
}

func TestRearmOneShot(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	rec := &recorder{}
	tok, err := l.Register(r, epoll.EventIn|epoll.OneShot, rec)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")

	if n, err := l.RunOnce(epoll.Milliseconds(10)); err != nil || n != 1 {
		t.Fatalf("first RunOnce(): got %d, %v, want 1, nil", n, err)
	}
	if n, err := l.RunOnce(epoll.Immediate); err != nil || n != 0 {
		t.Fatalf("RunOnce() while disarmed: got %d, %v, want 0, nil", n, err)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len() while disarmed: got %d, want 1", got)
	}
	if err := l.Rearm(tok, epoll.EventIn|epoll.OneShot); err != nil {
		t.Fatalf("Rearm() failed: %v", err)
	}
	if n, err := l.RunOnce(epoll.Milliseconds(10)); err != nil || n != 1 {
		t.Fatalf("RunOnce() after Rearm: got %d, %v, want 1, nil", n, err)
	}
	want := []call{{tok, epoll.EventIn}, {tok, epoll.EventIn}}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRearmFromReactor(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	calls := 0
	_, err := l.Register(r, epoll.EventIn|epoll.OneShot, ReactorFunc(func(ep epoll.EventPoll, tok Token, _ epoll.EventMask) error {
		calls++
		return ep.Modify(r, epoll.EventIn|epoll.OneShot, uint64(tok))
	}))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")
	for i := 0; i < 3; i++ {
		if _, err := l.RunOnce(epoll.Milliseconds(10)); err != nil {
			t.Fatalf("RunOnce() failed: %v", err)
		}
	}
	if calls != 3 {
		t.Errorf("reactor called %d times, want 3", calls)
	}
}

func TestEdgeTriggeredDrain(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	var got []byte
	dispatches := 0
	_, err := l.Register(r, epoll.ReadableEdge, ReactorFunc(func(epoll.EventPoll, Token, epoll.EventMask) error {
		dispatches++
		var buf [4]byte
		for {
			n, err := unix.Read(r, buf[:])
			if err == unix.EAGAIN {
				return nil
			}
			if err != nil {
				return err
			}
			got = append(got, buf[:n]...)
		}
	}))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "first")
	write(t, w, "second")

	if _, err := l.RunOnce(epoll.Milliseconds(10)); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if string(got) != "firstsecond" {
		t.Errorf("drained %q, want %q", got, "firstsecond")
	}
	if n, err := l.RunOnce(epoll.Immediate); err != nil || n != 0 {
		t.Errorf("RunOnce() after drain: got %d, %v, want 0, nil", n, err)
	}
	if dispatches != 1 {
		t.Errorf("reactor dispatched %d times, want 1", dispatches)
	}
}

type failingAdd struct {
	epoll.EventPoll
}

func (failingAdd) Add(int, epoll.EventMask, uint64) error {
	return epoll.ErrWatchLimit
}

func TestRegisterRollsBack(t *testing.T) {
	l := newLoop(t)
	l.ctl = failingAdd{l.ep}
	r, _ := newPipe(t)
	if _, err := l.Register(r, epoll.EventIn, &recorder{}); !errors.Is(err, epoll.ErrWatchLimit) {
		t.Fatalf("Register(): got %v, want %v", err, epoll.ErrWatchLimit)
	}
	if got := l.Len(); got != 0 {
		t.Errorf("Len() after failed Register: got %d, want 0", got)
	}
}

func TestRunContinuesAfterInterrupt(t *testing.T) {
	l := newLoop(t)
	r, _ := newPipe(t)
	if _, err := l.Register(r, epoll.EventIn, &recorder{}); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	done := make(chan error, 1)
	tids := make(chan int, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tids <- unix.Gettid()
		done <- l.Run(func() bool { return l.Stats().Interrupted == 0 }, epoll.Milliseconds(5000))
	}()

	tid := <-tids
	pid := unix.Getpid()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if got := l.Stats().Interrupted; got == 0 {
				t.Errorf("Stats().Interrupted: got 0, want at least 1")
			}
			return
		case <-time.After(10 * time.Millisecond):
			unix.Tgkill(pid, tid, unix.SIGURG)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	l, err := NewLoop(Options{})
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close(): got %v, want nil", err)
	}
}

func TestReactorDeletesItself(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	calls := 0
	tok, err := l.Register(r, epoll.EventIn, ReactorFunc(func(ep epoll.EventPoll, _ Token, _ epoll.EventMask) error {
		calls++
		return ep.Delete(r)
	}))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")

	if n, err := l.RunOnce(epoll.Milliseconds(10)); err != nil || n != 1 {
		t.Fatalf("RunOnce(): got %d, %v, want 1, nil", n, err)
	}
	if got := l.Len(); got != 0 {
		t.Errorf("Len() after Delete from the reactor: got %d, want 0", got)
	}
	if l.Registered(tok) {
		t.Errorf("Registered(%v) after Delete from the reactor: got true, want false", tok)
	}
	if diff := cmp.Diff(Stats{Waits: 1, Dispatched: 1, Adds: 1, Deletes: 1}, l.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	// The data is still unread, but the descriptor is gone from the
	// interest list.
	if n, err := l.RunOnce(epoll.Immediate); err != nil || n != 0 {
		t.Errorf("RunOnce() after Delete: got %d, %v, want 0, nil", n, err)
	}
	if calls != 1 {
		t.Errorf("reactor called %d times, want 1", calls)
	}
	// The fd can be registered again.
	if _, err := l.Register(r, epoll.EventIn, &recorder{}); err != nil {
		t.Errorf("Register() after Delete failed: %v", err)
	}
}

func TestReactorDeletesAnother(t *testing.T) {
	l := newLoop(t)
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	victim := &recorder{}
	if _, err := l.Register(r1, epoll.EventIn, ReactorFunc(func(ep epoll.EventPoll, _ Token, _ epoll.EventMask) error {
		return ep.Delete(r2)
	})); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	victimTok, err := l.Register(r2, epoll.EventIn, victim)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w1, "x")
	write(t, w2, "x")

	if _, err := l.RunOnce(epoll.Milliseconds(10)); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if l.Registered(victimTok) {
		t.Errorf("Registered(%v): got true, want false", victimTok)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len(): got %d, want 1", got)
	}
	if len(victim.calls) != 0 {
		t.Errorf("deleted reactor was called %d times", len(victim.calls))
	}
}

func TestReactorPollContract(t *testing.T) {
	for _, tc := range []struct {
		name  string
		react func(ep epoll.EventPoll, tok Token, r, other int) error
	}{
		{
			name: "Add",
			react: func(ep epoll.EventPoll, tok Token, _, other int) error {
				return ep.Add(other, epoll.EventIn, 7)
			},
		},
		{
			name: "Modify of another fd",
			react: func(ep epoll.EventPoll, tok Token, _, other int) error {
				return ep.Modify(other, epoll.EventIn, uint64(tok))
			},
		},
		{
			name: "Delete of an unregistered fd",
			react: func(ep epoll.EventPoll, _ Token, _, other int) error {
				return ep.Delete(other)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := newLoop(t)
			r, w := newPipe(t)
			other, _ := newPipe(t)
			if _, err := l.Register(r, epoll.EventIn, ReactorFunc(func(ep epoll.EventPoll, tok Token, _ epoll.EventMask) error {
				return tc.react(ep, tok, r, other)
			})); err != nil {
				t.Fatalf("Register() failed: %v", err)
			}
			write(t, w, "x")
			mustPanic(t, tc.name, func() { l.RunOnce(epoll.Milliseconds(10)) })
			if got := l.Len(); got != 1 {
				t.Errorf("Len(): got %d, want 1", got)
			}
		})
	}
}

func TestReactorModifyUpdatesTable(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	want := epoll.EventIn | epoll.OneShot
	tok, err := l.Register(r, epoll.EventIn, ReactorFunc(func(ep epoll.EventPoll, tok Token, _ epoll.EventMask) error {
		return ep.Modify(r, want, uint64(tok))
	}))
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")
	if _, err := l.RunOnce(epoll.Milliseconds(10)); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	e, ok := l.table.get(tok)
	if !ok || e.mask != want {
		t.Errorf("table entry for %v: got %+v, %t, want mask %v", tok, e, ok, want)
	}
}

func TestOneShotStaysRegistered(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	tok, err := l.Register(r, epoll.EventIn|epoll.OneShot, &recorder{})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	write(t, w, "x")
	if n, err := l.RunOnce(epoll.Milliseconds(10)); err != nil || n != 1 {
		t.Fatalf("RunOnce(): got %d, %v, want 1, nil", n, err)
	}
	if !l.Registered(tok) {
		t.Fatalf("Registered(%v) after the one-shot fired: got false, want true", tok)
	}
	if err := l.Deregister(tok); err != nil {
		t.Errorf("Deregister() of a fired one-shot failed: %v", err)
	}
}
