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
	"fmt"
	"reflect"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.Var(logFormatPtr(LogFormatText), "log-format", "log format: text (default), json, logrus or logrus-json.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', a per-command log file is created there.")
	flagSet.Var(logFormatPtr(LogFormatText), "debug-log-format", "log format for --debug-log: text (default), json, logrus or logrus-json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Image output flags.
	flagSet.Uint("lock-timeout", 0, "milliseconds to wait for the output image lock, 0 waits forever.")
}

// flagFields calls fn for each Config field carrying a flag tag, along with
// the flag registered in flagSet under that name.
func flagFields(conf *Config, flagSet *flag.FlagSet, fn func(field reflect.Value, fl *flag.Flag)) {
	obj := reflect.ValueOf(conf).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fn(obj.FieldByIndex(f.Index), fl)
	}
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagFields(conf, flagSet, func(field reflect.Value, fl *flag.Flag) {
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q has no getter", fl.Name))
		}
		field.Set(reflect.ValueOf(getter.Get()).Convert(field.Type()))
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns the flags that reproduce c, omitting those left at their
// defaults.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(defaults)

	var rv []string
	flagFields(c, defaults, func(field reflect.Value, fl *flag.Flag) {
		if val := flagString(field); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
	})
	return rv
}

// flagString formats field the way the flag package prints its default.
func flagString(field reflect.Value) string {
	if s, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(field.Interface())
}
