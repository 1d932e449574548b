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

package config

import (
	"flag"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{LogFormat: LogFormatText, DebugLogFormat: LogFormatText}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}

	// All defaults don't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"log":          "/tmp/springboard.log",
		"log-format":   "json",
		"debug":        "true",
		"lock-timeout": "250",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Flag set %q: %v", name, err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogFilename:    "/tmp/springboard.log",
		LogFormat:      LogFormatJSON,
		DebugLogFormat: LogFormatText,
		Debug:          true,
		LockTimeout:    250,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("debug-log", "/tmp/debug/")
	testFlags.Set("debug-log-format", "logrus")
	testFlags.Set("alsologtostderr", "true")
	testFlags.Set("debug", "false") // Matches default value.
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"--debug-log=/tmp/debug/",
		"--debug-log-format=logrus",
		"--alsologtostderr=true",
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	testFlags := newFlags(t)
	if err := testFlags.Set("log-format", "xml"); err == nil {
		t.Errorf("Set(log-format, xml) succeeded")
	}

	testFlags.Set("log", "/tmp/same.log")
	testFlags.Set("debug-log", "/tmp/same.log")
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags() succeeded with identical log files")
	}
}
