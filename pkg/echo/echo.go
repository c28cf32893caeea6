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

// Package echo is a TCP echo server driven by a reactor.Loop.
//
// The listening socket is registered level-triggered, so connections left in
// the backlog when accept fails for lack of descriptors are offered again on
// the next wait. Connections are registered edge-triggered and drained on
// every notification.
package echo

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/cleanup"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// Options configures a Server.
type Options struct {
	// Retries is the number of times a registration that fails for lack
	// of kernel resources is retried. Zero disables retries.
	Retries uint64

	// Backoff is the initial delay between retries.
	Backoff time.Duration
}

// Listen returns a non-blocking TCP socket listening on addr, an IP literal
// and port such as "127.0.0.1:7777" or "[::1]:0". With reusePort, several
// sockets may listen on the same address and the kernel spreads connections
// among them.
func Listen(addr string, reusePort bool) (int, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return -1, fmt.Errorf("parsing listen address: %w", err)
	}
	family, sa := sockaddr(ap)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return -1, fmt.Errorf("setsockopt(SO_REUSEPORT): %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return -1, fmt.Errorf("bind(%s): %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return -1, fmt.Errorf("listen(%s): %w", addr, err)
	}
	cu.Release()
	return fd, nil
}

func sockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

// LocalAddr returns the address a socket is bound to.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unexpected socket address %T", sa)
	}
}

// Server accepts connections on a listening socket and echoes everything
// they send. It is a reactor.Reactor for the listening socket.
type Server struct {
	loop  *reactor.Loop
	fd    int
	token reactor.Token
	opts  Options
	conns map[reactor.Token]*conn
}

var _ reactor.Reactor = (*Server)(nil)

// Serve registers the listening socket fd with l. The Server takes ownership
// of fd, which is closed if Serve fails.
func Serve(l *reactor.Loop, fd int, opts Options) (*Server, error) {
	s := &Server{
		loop:  l,
		fd:    fd,
		opts:  opts,
		conns: make(map[reactor.Token]*conn),
	}
	tok, err := s.register(fd, epoll.EventIn, s)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("registering listener %d: %w", fd, err)
	}
	s.token = tok
	return s, nil
}

// register registers fd, retrying with exponential backoff while the kernel
// is out of resources.
func (s *Server) register(fd int, mask epoll.EventMask, r reactor.Reactor) (reactor.Token, error) {
	var tok reactor.Token
	err := retry(s.opts, func() error {
		var err error
		tok, err = s.loop.Register(fd, mask, r)
		return err
	})
	return tok, err
}

// retry calls op until it succeeds, fails with an error other than resource
// exhaustion, or opts.Retries retries have been made.
func retry(opts Options, op func() error) error {
	if opts.Retries == 0 {
		// WithMaxRetries treats zero as unlimited.
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Backoff
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !epoll.IsResourceExhaustion(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warningf("Registration failed, retrying: %v", err)
		}
		return err
	}, backoff.WithMaxRetries(b, opts.Retries))
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	return len(s.conns)
}

// React implements reactor.Reactor.React. It accepts every pending
// connection.
func (s *Server) React(_ epoll.EventPoll, _ reactor.Token, mask epoll.EventMask) error {
	if mask&epoll.EventErr != 0 {
		return fmt.Errorf("listener %d: %v", s.fd, mask)
	}
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN:
			return nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
			// The connection stays in the backlog and is offered again.
			log.Warningf("Listener %d: accept: %v", s.fd, err)
			return nil
		default:
			return fmt.Errorf("listener %d: accept: %w", s.fd, err)
		}

		c := &conn{server: s, fd: nfd, mask: connMask}
		tok, err := s.register(nfd, connMask, c)
		if err != nil {
			log.Warningf("Dropping connection %d: %v", nfd, err)
			unix.Close(nfd)
			continue
		}
		c.token = tok
		s.conns[tok] = c
		log.Debugf("Accepted connection %d as %v", nfd, tok)
	}
}

// Close closes every connection and the listening socket. It must be called
// on the Loop's goroutine.
func (s *Server) Close() error {
	for _, c := range s.conns {
		c.close()
	}
	var err error
	if s.loop.Registered(s.token) {
		err = s.loop.Deregister(s.token)
	}
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}
