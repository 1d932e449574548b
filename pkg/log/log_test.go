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
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{Emitter: &Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Info, ts, "frame %#x", 0x1000)

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	re := regexp.MustCompile(`^I0304 05:06:07\.000008 +\d+ log_test\.go:\d+\] frame 0x1000\n$`)
	if !re.MatchString(tw.lines[0]) {
		t.Errorf("line %q does not match %v", tw.lines[0], re)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.Warningf("also shown")
	l.SetLevel(Debug)
	l.Debugf("now shown")

	want := []string{"shown\n", "also shown\n", "now shown\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := &MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Warning, time.Now(), "x=%d", 1)
	if diff := cmp.Diff(a.lines, b.lines); diff != "" {
		t.Errorf("emitters diverged (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x=1\n"}, a.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 4; i++ {
		l.Infof("mapped page %d", i)
	}
	if len(tw.lines) != 1 || tw.lines[0] != "mapped page 0\n" {
		t.Fatalf("got lines %q, want only the first message", tw.lines)
	}

	// Exhausting the limiter again reports the dropped messages.
	rl := l.(*rateLimitedLogger)
	rl.limit.SetBurst(2)
	rl.limit.SetLimit(1e9)
	time.Sleep(time.Millisecond)
	l.Warningf("mapped page %d", 4)
	if len(tw.lines) != 2 || tw.lines[1] != "mapped page 4 (3 similar messages suppressed)\n" {
		t.Errorf("got lines %q, want suppression count", tw.lines)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := FileOpts{Command: "build", Start: time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)}
	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{
			pattern: filepath.Join(dir, "a") + "/",
			want:    filepath.Join(dir, "a", "springboard.log.20260304-050607.000000.build"),
		},
		{
			pattern: filepath.Join(dir, "b", "%COMMAND%.log"),
			want:    filepath.Join(dir, "b", "build.log"),
		},
	} {
		if got := opts.Build(tc.pattern); got != tc.want {
			t.Errorf("Build(%q) = %q, want %q", tc.pattern, got, tc.want)
		}
		f, err := OpenFile(tc.pattern, os.O_CREATE|os.O_WRONLY, opts)
		if err != nil {
			t.Fatalf("OpenFile(%q) failed: %v", tc.pattern, err)
		}
		f.Close()
		if _, err := os.Stat(tc.want); err != nil {
			t.Errorf("Stat(%q): %v", tc.want, err)
		}
	}
	if got := opts.Build("%PID%"); strings.Contains(got, "%") {
		t.Errorf("Build(%%PID%%) = %q, want it expanded", got)
	}
	if f, err := OpenFile("", os.O_CREATE|os.O_WRONLY, opts); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}
