// Copyright 2026 The Springboard Authors.
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

// Package cli is the main entrypoint for springboard.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/log"
	"springboard.dev/springboard/springboard/cmd"
	"springboard.dev/springboard/springboard/config"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// version is set by the linker.
var version = "VERSION_MISSING"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "springboard version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		cmd.ErrorLogger = f
	}

	subcommand := flag.CommandLine.Arg(0)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if len(conf.DebugLog) > 0 {
		f, err := log.OpenFile(conf.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, log.FileOpts{Command: subcommand, Start: time.Now()})
		if err != nil {
			cmd.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, f))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if cmd.ErrorLogger != nil {
		emitters = append(emitters, newEmitter(conf.LogFormat, cmd.ErrorLogger))
	}

	switch len(emitters) {
	case 0:
		// Keep the default stderr target.
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `************** springboard **************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Debugf("Flags: %v", conf.ToFlags())
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// springboard.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Build), "")
	cb(new(cmd.Inspect), "")
	cb(new(cmd.Check), "")

	const debugGroup = "debug"
	cb(new(cmd.Boot), debugGroup)
	cb(new(cmd.Memmap), debugGroup)
}

func newEmitter(format config.LogFormat, logFile io.Writer) log.Emitter {
	switch format {
	case config.LogFormatText:
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case config.LogFormatLogrus:
		return log.NewLogrusEmitter(&log.Writer{Next: logFile}, false)
	case config.LogFormatLogrusJSON:
		return log.NewLogrusEmitter(&log.Writer{Next: logFile}, true)
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', 'logrus' or 'logrus-json'", format)
	panic("unreachable")
}
