// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import "fmt"

// The harness reports failures through a small set of distinct error kinds so
// callers can tell a malformed config file from a broken plugin without
// string matching.

// SyntaxError reports a malformed configuration file: a bad line, an
// unterminated interpolation, or an unterminated last line.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

func syntaxErrorf(format string, v ...any) *SyntaxError {
	return &SyntaxError{Msg: fmt.Sprintf(format, v...)}
}

// BadSection reports a missing or duplicate section, a section key where
// keys are not allowed, or a library mismatch across sibling sections.
type BadSection struct {
	Msg string
}

func (e *BadSection) Error() string { return e.Msg }

func badSectionf(format string, v ...any) *BadSection {
	return &BadSection{Msg: fmt.Sprintf(format, v...)}
}

// BadOption reports an unknown or duplicate option, or a value out of range.
type BadOption struct {
	Msg string
}

func (e *BadOption) Error() string { return e.Msg }

func badOptionf(format string, v ...any) *BadOption {
	return &BadOption{Msg: fmt.Sprintf(format, v...)}
}

// BadPlugin reports a plugin that cannot be resolved, an ABI mismatch, or a
// dependency-version mismatch.
type BadPlugin struct {
	Msg string
}

func (e *BadPlugin) Error() string { return e.Msg }

func badPluginf(format string, v ...any) *BadPlugin {
	return &BadPlugin{Msg: fmt.Sprintf(format, v...)}
}

// LogicError reports an invariant violation such as a cycle in the plugin
// dependency graph.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string { return e.Msg }

func logicErrorf(format string, v ...any) *LogicError {
	return &LogicError{Msg: fmt.Sprintf(format, v...)}
}
