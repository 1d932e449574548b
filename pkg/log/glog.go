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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pidField is padded to seven columns, as glog does.
var pidField = fmt.Sprintf("%7d", os.Getpid())

// levelLetter returns the glog severity letter for level.
func levelLetter(level Level) byte {
	switch level {
	case Warning:
		return 'W'
	case Debug:
		return 'D'
	default:
		return 'I'
	}
}

// header formats the glog line prefix. callerDepth is relative to header's
// caller.
func header(level Level, timestamp time.Time, callerDepth int) []byte {
	h := make([]byte, 0, 64)
	h = append(h, levelLetter(level))
	h = timestamp.AppendFormat(h, "0102 15:04:05.000000")
	h = append(h, ' ')
	h = append(h, pidField...)
	h = append(h, ' ')
	if _, file, line, ok := runtime.Caller(callerDepth + 1); ok {
		h = append(h, filepath.Base(file)...)
		h = append(h, ':')
		h = append(h, itoa(line)...)
	} else {
		h = append(h, "???:0"...)
	}
	return append(h, "] "...)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	line := string(header(level, timestamp, depth+1)) + format + "\n"
	g.Emitter.Emit(depth+1, level, timestamp, line, args...)
}
