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

package echo

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// startServer runs an echo server on a fresh Loop until stop returns true.
// stop runs on the Loop's goroutine and may inspect the Server.
func startServer(t *testing.T, stop func(s *Server) bool) (string, <-chan error) {
	t.Helper()
	l, err := reactor.NewLoop(reactor.Options{})
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	fd, err := Listen("127.0.0.1:0", false)
	if err != nil {
		l.Close()
		t.Fatalf("Listen() failed: %v", err)
	}
	s, err := Serve(l, fd, Options{})
	if err != nil {
		l.Close()
		t.Fatalf("Serve() failed: %v", err)
	}
	addr, err := LocalAddr(fd)
	if err != nil {
		t.Fatalf("LocalAddr() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		defer l.Close()
		deadline := time.Now().Add(10 * time.Second)
		err := l.Run(func() bool {
			return !stop(s) && time.Now().Before(deadline)
		}, epoll.Milliseconds(10))
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()
	return addr.String(), done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestEcho(t *testing.T) {
	var clientClosed atomic.Bool
	var peak atomic.Int32
	addr, done := startServer(t, func(s *Server) bool {
		if n := int32(s.Conns()); n > peak.Load() {
			peak.Store(n)
		}
		return clientClosed.Load() && s.Conns() == 0
	})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", addr, err)
	}
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("ReadFull() failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("echo: got %q, want %q", got, "hello")
	}
	c.Close()
	clientClosed.Store(true)

	waitDone(t, done)
	if got := peak.Load(); got != 1 {
		t.Errorf("peak connections: got %d, want 1", got)
	}
}

func TestEchoLargePayload(t *testing.T) {
	var clientClosed atomic.Bool
	addr, done := startServer(t, func(s *Server) bool {
		return clientClosed.Load() && s.Conns() == 0
	})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", addr, err)
	}
	// Larger than maxPending and the socket buffers, so the server has to
	// wait for the client to read before echoing more.
	payload := make([]byte, 4<<20)
	rand.New(rand.NewSource(1)).Read(payload)

	writeErr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		writeErr <- err
	}()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("ReadFull() failed: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed payload differs from what was sent")
	}
	c.Close()
	clientClosed.Store(true)
	waitDone(t, done)
}

func TestEchoManyClients(t *testing.T) {
	const clients = 8
	var finished atomic.Int32
	addr, done := startServer(t, func(s *Server) bool {
		return finished.Load() == clients && s.Conns() == 0
	})

	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			defer finished.Add(1)
			c, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			msg := bytes.Repeat([]byte{byte('a' + i)}, 1000*(i+1))
			if _, err := c.Write(msg); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- errors.New("echo mismatch")
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client failed: %v", err)
		}
	}
	waitDone(t, done)
}

func TestListenRejectsHostNames(t *testing.T) {
	for _, addr := range []string{"localhost:80", "127.0.0.1", ":80"} {
		if fd, err := Listen(addr, false); err == nil {
			unix.Close(fd)
			t.Errorf("Listen(%q) succeeded, want error", addr)
		}
	}
}

func TestRetry(t *testing.T) {
	errOther := errors.New("other")
	for _, tc := range []struct {
		name      string
		retries   uint64
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"success", 3, nil, 1, nil},
		{"transient", 3, []error{epoll.ErrWatchLimit, epoll.ErrInsufficientKernelMemory}, 3, nil},
		{"permanent", 3, []error{errOther}, 1, errOther},
		{"exhausted", 2, []error{epoll.ErrWatchLimit, epoll.ErrWatchLimit, epoll.ErrWatchLimit, epoll.ErrWatchLimit}, 3, epoll.ErrWatchLimit},
		{"no retries", 0, []error{epoll.ErrWatchLimit}, 1, epoll.ErrWatchLimit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retry(Options{Retries: tc.retries, Backoff: time.Millisecond}, func() error {
				calls++
				if calls <= len(tc.failures) {
					return tc.failures[calls-1]
				}
				return nil
			})
			if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
				t.Errorf("retry(): got %v, want %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Errorf("retry(): made %d calls, want %d", calls, tc.wantCalls)
			}
		})
	}
}
