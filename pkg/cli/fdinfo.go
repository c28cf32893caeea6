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

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/cleanup"
	"gvisor.dev/fdreactor/pkg/config"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/eventfd"
	"gvisor.dev/fdreactor/pkg/reactor"
)

// FDInfo implements subcommands.Command for the "fdinfo" command.
type FDInfo struct{}

// Name implements subcommands.Command.Name.
func (*FDInfo) Name() string {
	return "fdinfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*FDInfo) Synopsis() string {
	return "prints the kernel's view of an epoll instance"
}

// Usage implements subcommands.Command.Usage.
func (*FDInfo) Usage() string {
	return `fdinfo [<pid> <fd>] - prints the registrations of the epoll descriptor fd
of process pid. Without arguments, builds a small Loop and prints its own
registrations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*FDInfo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*FDInfo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var (
		hdr   epoll.InformationHeader
		items []epoll.InformationItem
		err   error
	)
	switch f.NArg() {
	case 0:
		hdr, items, err = demoInformation(conf)
	case 2:
		pid, perr := strconv.Atoi(f.Arg(0))
		fd, ferr := strconv.Atoi(f.Arg(1))
		if perr != nil || ferr != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		hdr, items, err = epoll.ReadInformation(pid, fd)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		Fatalf("reading epoll information: %v", err)
	}
	if err := printInformation(os.Stdout, hdr, items); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// demoInformation registers a pipe and a Waker with a fresh Loop and returns
// what the kernel reports for it.
func demoInformation(conf *config.Config) (epoll.InformationHeader, []epoll.InformationItem, error) {
	l, err := reactor.NewLoop(reactor.Options{EventBufferSize: conf.EventBufferSize})
	if err != nil {
		return epoll.InformationHeader{}, nil, err
	}
	defer l.Close()

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return epoll.InformationHeader{}, nil, fmt.Errorf("pipe2: %w", err)
	}
	cu := cleanup.Make(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	defer cu.Clean()

	nop := reactor.ReactorFunc(func(epoll.EventPoll, reactor.Token, epoll.EventMask) error { return nil })
	if _, err := l.Register(p[0], epoll.ReadableEdge, nop); err != nil {
		return epoll.InformationHeader{}, nil, err
	}
	if _, err := l.Register(p[1], epoll.EventOut|epoll.OneShot, nop); err != nil {
		return epoll.InformationHeader{}, nil, err
	}
	w, err := eventfd.NewWaker(l, nil)
	if err != nil {
		return epoll.InformationHeader{}, nil, err
	}
	defer w.Close()

	return l.Poll().Information()
}

// printInformation writes hdr and items as a table.
func printInformation(out io.Writer, hdr epoll.InformationHeader, items []epoll.InformationItem) error {
	fmt.Fprintf(out, "pos: %d, flags: %#o, mnt_id: %d, ino: %d\n", hdr.Pos, hdr.Flags, hdr.MountID, hdr.Inode)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "TFD\tTOKEN\tDATA\tEVENTS\tINODE\n")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%v\t%#x\t%v\t%d\n", it.TargetFD, reactor.Token(it.Token), it.Token, it.Mask, it.Inode)
	}
	return w.Flush()
}
