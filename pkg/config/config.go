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

// Package config holds the configuration of the fdreactor command. Values
// come from flags, optionally layered over a TOML file: a flag set on the
// command line always wins over the file, and the file wins over flag
// defaults.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/fdreactor/pkg/epoll"
	"gvisor.dev/fdreactor/pkg/log"
)

// Config holds configuration that is not part of any single command.
//
// Every field with a flag tag is populated from the flag of that name.
type Config struct {
	// EventBufferSize is the number of events each Loop collects per wait.
	EventBufferSize int `flag:"event-buffer-size" toml:"event_buffer_size"`

	// WaitTimeout bounds each wait. Zero blocks until an event arrives.
	WaitTimeout time.Duration `flag:"wait-timeout" toml:"wait_timeout"`

	// Shards is the number of Loops, each on its own thread.
	Shards int `flag:"shards" toml:"shards"`

	// LogFormat is the format of log lines: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// ListenAddress is the TCP address the echo server listens on.
	ListenAddress string `flag:"listen" toml:"listen"`

	// RegisterRetries is the number of times a registration is retried
	// when the kernel is out of resources. Zero disables retries.
	RegisterRetries uint64 `flag:"register-retries" toml:"register_retries"`

	// RegisterBackoff is the initial delay between registration retries.
	RegisterBackoff time.Duration `flag:"register-backoff" toml:"register_backoff"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Int("event-buffer-size", 1024, "number of readiness events collected per wait.")
	flagSet.Duration("wait-timeout", 0, "upper bound on each wait (e.g. \"100ms\"). Zero blocks until an event arrives.")
	flagSet.Int("shards", 1, "number of run loops, each on its own OS thread.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("listen", "127.0.0.1:7777", "address the echo server listens on.")
	flagSet.Uint64("register-retries", 5, "retries for registrations that fail for lack of kernel resources.")
	flagSet.Duration("register-backoff", 10*time.Millisecond, "initial delay between registration retries.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		setField(obj.Field(i), fl)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load creates a Config from the TOML file at path, then applies every flag
// that was explicitly set in flagSet. If path is empty, it is equivalent to
// NewFromFlags.
func Load(path string, flagSet *flag.FlagSet) (*Config, error) {
	if path == "" {
		return NewFromFlags(flagSet)
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	byFlag := make(map[string]reflect.Value)
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		// Start from the flag's value; the file and then explicit flags
		// are layered on top.
		setField(obj.Field(i), fl)
		byFlag[name] = obj.Field(i)
	}

	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}

	flagSet.Visit(func(fl *flag.Flag) {
		if field, ok := byFlag[fl.Name]; ok {
			setField(field, fl)
		}
	})
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setField(field reflect.Value, fl *flag.Flag) {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
	}
	field.Set(reflect.ValueOf(getter.Get()))
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.EventBufferSize <= 0 || c.EventBufferSize > epoll.MaxEvents {
		return fmt.Errorf("event-buffer-size %d out of range [1, %d]", c.EventBufferSize, epoll.MaxEvents)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait-timeout %v is negative", c.WaitTimeout)
	}
	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive, got %d", c.Shards)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q", c.LogFormat)
	}
	if c.RegisterBackoff < 0 {
		return fmt.Errorf("register-backoff %v is negative", c.RegisterBackoff)
	}
	return nil
}

// Timeout returns the wait timeout to pass to reactor.Loop.Run.
func (c *Config) Timeout() epoll.Timeout {
	if c.WaitTimeout == 0 {
		return epoll.Forever
	}
	return epoll.After(c.WaitTimeout)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tEventBufferSize: %d", c.EventBufferSize)
	log.Infof("\t\tWaitTimeout: %v (%v)", c.WaitTimeout, c.Timeout())
	log.Infof("\t\tShards: %d", c.Shards)
	log.Infof("\t\tLogFormat: %s", c.LogFormat)
	log.Infof("\t\tDebug: %t", c.Debug)
	log.Infof("\t\tListenAddress: %s", c.ListenAddress)
	log.Infof("\t\tRegisterRetries: %d, RegisterBackoff: %v", c.RegisterRetries, c.RegisterBackoff)
}
