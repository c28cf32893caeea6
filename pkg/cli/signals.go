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

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/fdreactor/pkg/config"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
	"gvisor.dev/fdreactor/pkg/shard"
	"gvisor.dev/fdreactor/pkg/signalfd"
)

// Signals implements subcommands.Command for the "signals" command.
type Signals struct {
	raise string
	count int
}

// Name implements subcommands.Command.Name.
func (*Signals) Name() string {
	return "signals"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Signals) Synopsis() string {
	return "reads signals through a signalfd and logs each one"
}

// Usage implements subcommands.Command.Usage.
func (*Signals) Usage() string {
	return `signals [flags] - blocks every signal on a reactor thread and logs the
signals read from its signalfd.

Signals sent to the process as a whole are usually taken by other threads of
the Go runtime. Use -raise to direct signals at the reactor thread itself.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Signals) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.raise, "raise", "", "comma-separated signals, such as USR1,HUP, to send to the reactor thread once it is running.")
	f.IntVar(&s.count, "count", 0, "exit after this many signals. Zero runs until interrupted.")
}

// Execute implements subcommands.Command.Execute.
func (s *Signals) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.count < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	raise, err := parseSignals(s.raise)
	if err != nil {
		Fatalf("parsing -raise: %v", err)
	}

	var (
		g        *shard.Group
		received int
	)
	handle := signalfd.HandlerFunc(func(info *unix.SignalfdSiginfo) error {
		sig := unix.Signal(info.Signo)
		if sig == unix.SIGURG {
			// Sent by the Go runtime to preempt goroutines.
			log.Debugf("Ignoring %s", unix.SignalName(sig))
			return nil
		}
		log.Infof("Received %s (%d): code %d, pid %d, uid %d", unix.SignalName(sig), info.Signo, info.Code, info.Pid, info.Uid)
		received++
		if s.count > 0 && received >= s.count {
			g.Stop()
		}
		return nil
	})

	g, err = shard.New(shard.Options{
		Shards:  1,
		Loop:    reactor.Options{EventBufferSize: conf.EventBufferSize},
		Timeout: conf.Timeout(),
		Setup: func(sh *shard.Shard) error {
			r, err := signalfd.Register(sh.Loop, handle)
			if err != nil {
				return err
			}
			sh.AtExit(func() {
				if sh.Loop.Registered(r.Token()) {
					sh.Loop.Deregister(r.Token())
				}
				r.Close()
			})
			log.Infof("Reading signals on fd %d, thread %d", r.FD(), unix.Gettid())

			pid, tid := unix.Getpid(), unix.Gettid()
			for _, sig := range raise {
				if err := unix.Tgkill(pid, tid, sig); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		Fatalf("%v", err)
	}
	if err := g.Run(ctx); err != nil {
		Fatalf("signals: %v", err)
	}
	log.Infof("Received %d signals", received)
	return subcommands.ExitSuccess
}
