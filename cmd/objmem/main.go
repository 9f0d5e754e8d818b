// Copyright 2018 The gVisor Authors.
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

// Binary objmem boots a simulated object memory machine and its pager, and
// manages the pager's disk images.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"objmem.dev/objmem/cmd/objmem/cmd"
	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Boot), "")
	subcommands.Register(new(cmd.Format), "")
	subcommands.Register(new(cmd.Inspect), "")
	subcommands.Register(new(cmd.VersionCmd), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	out := os.Stderr
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: subcommand, Start: time.Now()})
		if err != nil {
			cmd.Fatalf("opening debug log: %v", err)
		}
		out = f
	}
	e, err := log.EmitterFor(conf.LogFormat, &log.Writer{Next: out})
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	log.SetLevel(conf.Level())

	log.Infof("objmem %s, %s, %s, %d CPUs, PID %d", cmd.Version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}
