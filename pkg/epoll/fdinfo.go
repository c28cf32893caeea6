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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// InformationHeader is the generic part of /proc/<pid>/fdinfo/<fd>.
type InformationHeader struct {
	// Pos is the file offset.
	Pos int64

	// Flags are the open(2) flags of the file, printed in octal by the
	// kernel.
	Flags uint32

	// MountID is the mount the file belongs to.
	MountID uint64

	// Inode is the inode number; only printed by Linux 5.14 and later.
	Inode uint64
}

// InformationItem describes one registration in an epoll fdinfo file.
type InformationItem struct {
	// TargetFD is the registered descriptor number.
	TargetFD int

	// Mask is the interest set, including registration requests such as
	// EdgeTriggered.
	Mask EventMask

	// Token is the registration payload.
	Token uint64

	// Pos is the target file's offset.
	Pos int64

	// Inode is the target file's inode number.
	Inode uint64

	// Device is the target file's device number.
	Device uint32
}

// Information reads the kernel's view of this epoll instance from
// /proc/self/fdinfo.
//
// This costs several system calls, and the file is only consistent within a
// single read, so it is a diagnostic tool and must not be used on a latency
// sensitive path.
func (f *FD) Information() (InformationHeader, []InformationItem, error) {
	return ReadInformation(os.Getpid(), f.FD())
}

// ReadInformation parses /proc/<pid>/fdinfo/<fd> for an epoll descriptor of
// any process the caller may inspect.
func ReadInformation(pid, fd int) (InformationHeader, []InformationItem, error) {
	path := fmt.Sprintf("/proc/%d/fdinfo/%d", pid, fd)
	file, err := os.Open(path)
	if err != nil {
		return InformationHeader{}, nil, err
	}
	defer file.Close()
	hdr, items, err := ParseInformation(file)
	if err != nil {
		return InformationHeader{}, nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return hdr, items, nil
}

// ParseInformation parses the contents of an epoll fdinfo file:
//
//	pos:	0
//	flags:	02000002
//	mnt_id:	15
//	ino:	1057
//	tfd:        5 events:       19 data:                5  pos:0 ino:3a sdev:d
//
// Unknown header lines are ignored, since newer kernels append fields.
func ParseInformation(r io.Reader) (InformationHeader, []InformationItem, error) {
	var (
		hdr   InformationHeader
		items []InformationItem
		seen  int
	)
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if strings.HasPrefix(line, "tfd:") {
			item, err := parseItem(line)
			if err != nil {
				return InformationHeader{}, nil, err
			}
			items = append(items, item)
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return InformationHeader{}, nil, fmt.Errorf("malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "pos":
			hdr.Pos, err = strconv.ParseInt(value, 10, 64)
			seen++
		case "flags":
			var v uint64
			v, err = strconv.ParseUint(value, 8, 32)
			hdr.Flags = uint32(v)
			seen++
		case "mnt_id":
			hdr.MountID, err = strconv.ParseUint(value, 10, 64)
			seen++
		case "ino":
			hdr.Inode, err = strconv.ParseUint(value, 10, 64)
		}
		if err != nil {
			return InformationHeader{}, nil, fmt.Errorf("header %q: %w", key, err)
		}
	}
	if err := s.Err(); err != nil {
		return InformationHeader{}, nil, err
	}
	if seen != 3 {
		return InformationHeader{}, nil, fmt.Errorf("incomplete header: found %d of pos, flags, mnt_id", seen)
	}
	return hdr, items, nil
}

// parseItem parses one "tfd:" line. The kernel pads the first three values
// to a fixed width, so the line is split on whitespace rather than columns.
func parseItem(line string) (InformationItem, error) {
	fields := strings.Fields(line)
	// tfd: N events: X data: X pos:N ino:X sdev:X
	if len(fields) != 9 || fields[0] != "tfd:" || fields[2] != "events:" || fields[4] != "data:" {
		return InformationItem{}, fmt.Errorf("malformed registration line %q", line)
	}

	var item InformationItem
	tfd, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return InformationItem{}, fmt.Errorf("tfd in %q: %w", line, err)
	}
	item.TargetFD = int(tfd)

	mask, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return InformationItem{}, fmt.Errorf("events in %q: %w", line, err)
	}
	item.Mask = EventMask(mask)

	if item.Token, err = strconv.ParseUint(fields[5], 16, 64); err != nil {
		return InformationItem{}, fmt.Errorf("data in %q: %w", line, err)
	}

	pos, ok := strings.CutPrefix(fields[6], "pos:")
	if !ok {
		return InformationItem{}, fmt.Errorf("missing pos in %q", line)
	}
	if item.Pos, err = strconv.ParseInt(pos, 10, 64); err != nil {
		return InformationItem{}, fmt.Errorf("pos in %q: %w", line, err)
	}

	ino, ok := strings.CutPrefix(fields[7], "ino:")
	if !ok {
		return InformationItem{}, fmt.Errorf("missing ino in %q", line)
	}
	if item.Inode, err = strconv.ParseUint(ino, 16, 64); err != nil {
		return InformationItem{}, fmt.Errorf("ino in %q: %w", line, err)
	}

	sdev, ok := strings.CutPrefix(fields[8], "sdev:")
	if !ok {
		return InformationItem{}, fmt.Errorf("missing sdev in %q", line)
	}
	dev, err := strconv.ParseUint(sdev, 16, 32)
	if err != nil {
		return InformationItem{}, fmt.Errorf("sdev in %q: %w", line, err)
	}
	item.Device = uint32(dev)
	return item, nil
}
