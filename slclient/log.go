/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package slclient

import (
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

// Logger is the pair of sinks a session logs through: Normal for
// operator-facing lines (connects, reconnects, negotiated protocol) and
// Diag for verbose, verbosity-gated tracing. Both take a severity-free
// formatted string; Error is its own method since it always logs
// regardless of verbosity.
type Logger interface {
	Normal(msg string)
	Diag(verbosity int, msg string)
	Error(msg string)
}

// LogrusLogger routes Normal/Error through logrus at Info/Error level, and
// Diag through logrus Debug when verbosity clears the configured threshold,
// colorized the way the teacher's client package colorizes its own debug
// tracing.
type LogrusLogger struct {
	Threshold int
}

// Normal logs msg at info level.
func (l LogrusLogger) Normal(msg string) { log.Info(msg) }

// Diag logs msg at debug level if verbosity is within the configured
// threshold.
func (l LogrusLogger) Diag(verbosity int, msg string) {
	if verbosity > l.Threshold {
		return
	}
	log.Debug(color.CyanString(msg))
}

// Error logs msg at error level unconditionally.
func (l LogrusLogger) Error(msg string) { log.Error(msg) }

// NopLogger discards everything; the Config default when no sink is wired.
type NopLogger struct{}

func (NopLogger) Normal(string)    {}
func (NopLogger) Diag(int, string) {}
func (NopLogger) Error(string)     {}

var _ Logger = LogrusLogger{}
var _ Logger = NopLogger{}
