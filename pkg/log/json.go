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
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// levelNames are the lower case names used by structured emitters. They
// match the names logrus uses for the same levels.
var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (l Level) MarshalText() ([]byte, error) {
	if s, ok := levelNames[l]; ok {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("unknown level %d", uint32(l))
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText. It
// accepts the level names and their numeric values.
func (l *Level) UnmarshalText(b []byte) error {
	s := string(b)
	for lv, name := range levelNames {
		if s == name || s == fmt.Sprint(uint32(lv)) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Caller string    `json:"caller,omitempty"`
}

// JSONEmitter writes one JSON object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		j.Caller = file + ":" + itoa(line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		// Only an unknown level fails, which Emit never receives.
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
