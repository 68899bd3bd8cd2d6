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

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ReadFile parses the INI file at path into c.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := c.ReadString(string(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ReadString parses INI text into c. Sections read here are added on top of
// whatever c already holds; duplicates are rejected.
func (c *Config) ReadString(input string) error {
	if input != "" && !strings.HasSuffix(input, "\n") {
		return syntaxErrorf("unterminated last line")
	}

	var current *ConfigSection
	inDefault := false

	lines := strings.Split(input, "\n")
	for lineno, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed[0] == '#' || trimmed[0] == ';' {
			continue
		}

		if trimmed[0] == '[' {
			if !strings.HasSuffix(trimmed, "]") {
				return syntaxErrorf("line %d: malformed section header '%s'", lineno+1, trimmed)
			}
			header := trimmed[1 : len(trimmed)-1]
			name, key := header, ""
			if i := strings.Index(header, ":"); i >= 0 {
				name, key = header[:i], header[i+1:]
			}
			if strings.EqualFold(name, "default") {
				if key != "" {
					return badSectionf("line %d: the DEFAULT section may not have a key", lineno+1)
				}
				current = c.defaults
				inDefault = true
				continue
			}
			if key == "" && strings.Contains(header, ":") {
				return badSectionf("line %d: section '%s' has an empty key", lineno+1, header)
			}
			section, err := c.AddSection(name, key)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineno+1, err)
			}
			current = section
			inDefault = false
			continue
		}

		if current == nil {
			return syntaxErrorf("line %d: option line before any section: '%s'", lineno+1, trimmed)
		}

		sep := strings.IndexAny(trimmed, "=:")
		if sep < 0 {
			return syntaxErrorf("line %d: malformed option line '%s'", lineno+1, trimmed)
		}
		name := strings.TrimSpace(trimmed[:sep])
		value := strings.TrimSpace(trimmed[sep+1:])
		if !optionNameRe.MatchString(name) {
			return syntaxErrorf("line %d: invalid option name '%s'", lineno+1, name)
		}
		if inDefault {
			if err := current.Set(name, value); err != nil {
				return fmt.Errorf("line %d: %w", lineno+1, err)
			}
			continue
		}
		if err := current.Add(name, value); err != nil {
			return fmt.Errorf("line %d: %w", lineno+1, err)
		}
	}
	return nil
}

// Write serializes c as INI text: the DEFAULT section first, then every
// named section in sorted order. The output round-trips through ReadString.
func (c *Config) Write(w io.Writer) error {
	writeSection := func(header string, s *ConfigSection) error {
		if _, err := fmt.Fprintf(w, "[%s]\n", header); err != nil {
			return err
		}
		names := s.Options()
		sort.Strings(names)
		for _, name := range names {
			if _, err := fmt.Fprintf(w, "%s = %s\n", name, s.options[name]); err != nil {
				return err
			}
		}
		return nil
	}

	if len(c.defaults.options) > 0 {
		if err := writeSection("DEFAULT", c.defaults); err != nil {
			return err
		}
	}

	ids := make([]sectionID, 0, len(c.sections))
	for id := range c.sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].name != ids[j].name {
			return ids[i].name < ids[j].name
		}
		return ids[i].key < ids[j].key
	})
	for _, id := range ids {
		if err := writeSection(sectionLabel(id.name, id.key), c.sections[id]); err != nil {
			return err
		}
	}
	return nil
}
