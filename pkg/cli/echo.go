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
	"gvisor.dev/fdreactor/pkg/config"
	"gvisor.dev/fdreactor/pkg/echo"
	"gvisor.dev/fdreactor/pkg/log"
	"gvisor.dev/fdreactor/pkg/reactor"
	"gvisor.dev/fdreactor/pkg/shard"
)

// Echo implements subcommands.Command for the "echo" command.
type Echo struct{}

// Name implements subcommands.Command.Name.
func (*Echo) Name() string {
	return "echo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Echo) Synopsis() string {
	return "runs a TCP echo server until interrupted"
}

// Usage implements subcommands.Command.Usage.
func (*Echo) Usage() string {
	return `echo - runs a TCP echo server on the address given by -listen.

With -shards greater than one, every shard listens on the same address with
SO_REUSEPORT and the kernel spreads connections among them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Echo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Echo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	opts := echo.Options{
		Retries: conf.RegisterRetries,
		Backoff: conf.RegisterBackoff,
	}
	g, err := shard.New(shard.Options{
		Shards:  conf.Shards,
		Loop:    reactor.Options{EventBufferSize: conf.EventBufferSize},
		Timeout: conf.Timeout(),
		Setup: func(s *shard.Shard) error {
			fd, err := echo.Listen(conf.ListenAddress, conf.Shards > 1)
			if err != nil {
				return err
			}
			srv, err := echo.Serve(s.Loop, fd, opts)
			if err != nil {
				return err
			}
			s.AtExit(func() {
				log.Infof("Shard %d: closing %d connections", s.ID, srv.Conns())
				if err := srv.Close(); err != nil {
					log.Warningf("Shard %d: closing echo server: %v", s.ID, err)
				}
			})
			addr, err := echo.LocalAddr(fd)
			if err != nil {
				return err
			}
			log.Infof("Shard %d: echo server listening on %v", s.ID, addr)
			return nil
		},
	})
	if err != nil {
		Fatalf("%v", err)
	}

	err = g.Run(ctx)
	for i, st := range g.Stats() {
		log.Infof("Shard %d: %+v", i, st)
	}
	if err != nil {
		Fatalf("echo server: %v", err)
	}
	return subcommands.ExitSuccess
}
