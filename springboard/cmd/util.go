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

// Package cmd holds implementations of the springboard commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"springboard.dev/springboard/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by scripts wrapping the tool, so they are JSON encoded.
var ErrorLogger io.Writer

// Writer writes command output. Tests replace it.
var Writer io.Writer = os.Stdout

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(msg string) {
	if ErrorLogger == nil {
		return
	}
	data, err := json.Marshal(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	if err != nil {
		return
	}
	_, _ = ErrorLogger.Write(append(data, '\n'))
}

// Errorf logs the error to the --log file, stderr and debug logs. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute() methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	writeError(msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// printf writes command output.
func printf(format string, args ...any) {
	fmt.Fprintf(Writer, format, args...)
}
