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
	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
)

const (
	// connMask is the interest set of a connection with nothing to send.
	connMask = epoll.EventIn | epoll.EventRDHUp | epoll.EdgeTriggered

	// maxPending bounds the data read but not yet echoed. Reading stops
	// when it is reached, until the peer accepts more.
	maxPending = 64 << 10

	readChunk = 4096
)

// conn is one accepted connection.
type conn struct {
	server  *Server
	fd      int
	token   reactor.Token
	mask    epoll.EventMask
	pending []byte
}

// React implements reactor.Reactor.React. Errors on a connection close it
// and are never returned, so one bad peer cannot stop the Loop.
func (c *conn) React(_ epoll.EventPoll, _ reactor.Token, mask epoll.EventMask) error {
	if mask&epoll.EventErr != 0 {
		c.close()
		return nil
	}
	for {
		drained, eof, ok := c.fill()
		if !ok {
			c.close()
			return nil
		}
		flushed, ok := c.flush()
		if !ok {
			c.close()
			return nil
		}
		if eof {
			c.close()
			return nil
		}
		if drained || !flushed {
			break
		}
		// The buffer filled up and was written out; read more.
	}

	want := connMask
	if len(c.pending) > 0 {
		want |= epoll.EventOut
	}
	if want != c.mask {
		if err := c.server.loop.Rearm(c.token, want); err != nil {
			log.Warningf("Connection %d: changing interest to %v: %v", c.fd, want, err)
			c.close()
			return nil
		}
		c.mask = want
	}
	return nil
}

// fill reads until the socket would block, the peer closed its side, or
// maxPending bytes are buffered. ok is false on a socket error.
func (c *conn) fill() (drained, eof, ok bool) {
	var buf [readChunk]byte
	for len(c.pending) < maxPending {
		n, err := unix.Read(c.fd, buf[:])
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return true, false, true
		case unix.ECONNRESET:
			return false, true, true
		default:
			log.Debugf("Connection %d: read: %v", c.fd, err)
			return false, false, false
		}
		if n == 0 {
			return false, true, true
		}
		c.pending = append(c.pending, buf[:n]...)
	}
	return false, false, true
}

// flush writes pending data until it is all sent or the socket would block.
// flushed is true if nothing remains. ok is false on a socket error.
func (c *conn) flush() (flushed, ok bool) {
	for len(c.pending) > 0 {
		n, err := unix.Write(c.fd, c.pending)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false, true
		default:
			log.Debugf("Connection %d: write: %v", c.fd, err)
			return false, false
		}
		c.pending = c.pending[n:]
	}
	c.pending = nil
	return true, true
}

// close deregisters and closes the connection.
func (c *conn) close() {
	if c.server.loop.Registered(c.token) {
		if err := c.server.loop.Deregister(c.token); err != nil {
			log.Warningf("Connection %d: deregister: %v", c.fd, err)
		}
	}
	unix.Close(c.fd)
	delete(c.server.conns, c.token)
	log.Debugf("Closed connection %d (%v)", c.fd, c.token)
}
