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

// Package config holds the global flags of the springboard tool.
package config

import (
	"fmt"
)

// LogFormat selects how log lines are rendered.
type LogFormat string

const (
	// LogFormatText is the glog-style text format.
	LogFormatText LogFormat = "text"

	// LogFormatJSON writes one JSON object per line.
	LogFormatJSON LogFormat = "json"

	// LogFormatLogrus hands lines to a logrus text formatter.
	LogFormatLogrus LogFormat = "logrus"

	// LogFormatLogrusJSON hands lines to a logrus JSON formatter.
	LogFormatLogrusJSON LogFormat = "logrus-json"
)

func logFormatPtr(v LogFormat) *LogFormat {
	return &v
}

// Set implements flag.Value.
func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON, LogFormatLogrus, LogFormatLogrusJSON:
		*f = LogFormat(v)
		return nil
	}
	return fmt.Errorf("invalid log format %q", v)
}

// Get implements flag.Getter.
func (f *LogFormat) Get() any {
	return *f
}

// String implements flag.Value.
func (f LogFormat) String() string {
	return string(f)
}

// Config holds the global configuration. Each field with a flag tag is bound
// to the command line flag of that name.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat LogFormat `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat LogFormat `flag:"debug-log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// LockTimeout bounds how long image writes wait for the output lock, in
	// milliseconds. Zero waits forever.
	LockTimeout uint `flag:"lock-timeout"`
}

func (c *Config) validate() error {
	if c.DebugLog != "" && c.DebugLog == c.LogFilename {
		return fmt.Errorf("--log and --debug-log must differ, both are %q", c.LogFilename)
	}
	return nil
}
