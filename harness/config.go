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
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

var optionNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// sectionID identifies a section by (name, key); the empty key denotes a
// key-less section. Both parts are stored lower-cased.
type sectionID struct {
	name string
	key  string
}

// ConfigSection is a case-insensitive option map with a fallback reference
// to the owning Config's defaults section.
type ConfigSection struct {
	Name string
	Key  string

	options  map[string]string
	defaults *ConfigSection
}

func newConfigSection(name, key string, defaults *ConfigSection) *ConfigSection {
	return &ConfigSection{
		Name:     strings.ToLower(name),
		Key:      strings.ToLower(key),
		options:  map[string]string{},
		defaults: defaults,
	}
}

// Has reports whether the option is present in the section or its defaults.
func (s *ConfigSection) Has(option string) bool {
	option = strings.ToLower(option)
	if _, ok := s.options[option]; ok {
		return true
	}
	if s.defaults != nil {
		return s.defaults.Has(option)
	}
	return false
}

// HasOwn reports whether the option is present in the section itself.
func (s *ConfigSection) HasOwn(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get looks the option up in the section, then in the defaults, and expands
// every %(name)s occurrence in the value.
func (s *ConfigSection) Get(option string) (string, error) {
	option = strings.ToLower(option)
	if !optionNameRe.MatchString(option) {
		return "", badOptionf("invalid option name '%s'", option)
	}
	raw, ok := s.lookup(option)
	if !ok {
		return "", badOptionf("option '%s' not found in section '%s'", option, s.fullName())
	}
	return s.interpolate(raw, map[string]bool{option: true})
}

// GetDefault is Get with a fallback value for a missing option. Expansion
// errors still surface.
func (s *ConfigSection) GetDefault(option, fallback string) (string, error) {
	if !s.Has(option) {
		return fallback, nil
	}
	return s.Get(option)
}

func (s *ConfigSection) lookup(option string) (string, bool) {
	if v, ok := s.options[option]; ok {
		return v, true
	}
	if s.defaults != nil {
		return s.defaults.lookup(option)
	}
	return "", false
}

// Set overwrites the option.
func (s *ConfigSection) Set(option, value string) error {
	option = strings.ToLower(option)
	if !optionNameRe.MatchString(option) {
		return badOptionf("invalid option name '%s'", option)
	}
	s.options[option] = value
	return nil
}

// Add fails if the option already exists in the section.
func (s *ConfigSection) Add(option, value string) error {
	option = strings.ToLower(option)
	if s.HasOwn(option) {
		return badOptionf("option '%s' already defined in section '%s'", option, s.fullName())
	}
	return s.Set(option, value)
}

// Options returns the option names defined in the section itself.
func (s *ConfigSection) Options() []string {
	names := make([]string, 0, len(s.options))
	for k := range s.options {
		names = append(names, k)
	}
	return names
}

func (s *ConfigSection) fullName() string {
	if s.Key == "" {
		return s.Name
	}
	return s.Name + ":" + s.Key
}

const maxInterpolationDepth = 10

// interpolate expands %(name)s against the section's own options and the
// defaults. seen guards against reference cycles.
func (s *ConfigSection) interpolate(value string, seen map[string]bool) (string, error) {
	if len(seen) > maxInterpolationDepth {
		return "", syntaxErrorf("interpolation nested too deeply in section '%s'", s.fullName())
	}
	var out strings.Builder
	for {
		i := strings.Index(value, "%(")
		if i < 0 {
			out.WriteString(value)
			return out.String(), nil
		}
		out.WriteString(value[:i])
		rest := value[i+2:]
		j := strings.Index(rest, ")s")
		if j < 0 {
			return "", syntaxErrorf("unterminated variable reference in section '%s'", s.fullName())
		}
		name := strings.ToLower(rest[:j])
		if seen[name] {
			return "", syntaxErrorf("cyclic variable reference '%s' in section '%s'", name, s.fullName())
		}
		raw, ok := s.lookup(name)
		if !ok {
			return "", syntaxErrorf("undefined variable '%s' in section '%s'", name, s.fullName())
		}
		seen[name] = true
		expanded, err := s.interpolate(raw, seen)
		if err != nil {
			return "", err
		}
		delete(seen, name)
		out.WriteString(expanded)
		value = rest[j+2:]
	}
}

// ConfigFlags controls parsing behavior.
type ConfigFlags uint

const (
	// AllowKeys permits [name:key] sections.
	AllowKeys ConfigFlags = 1 << iota
)

// Config maps (section-name, section-key) to sections, with a shared
// defaults section and a reserved-name pattern list.
type Config struct {
	flags    ConfigFlags
	reserved []string
	globs    []glob.Glob
	sections map[sectionID]*ConfigSection
	defaults *ConfigSection
}

// NewConfig returns an empty config. reserved holds glob patterns for
// section names that must be rejected at insertion.
func NewConfig(flags ConfigFlags, reserved ...string) *Config {
	c := &Config{
		flags:    flags,
		sections: map[sectionID]*ConfigSection{},
		defaults: newConfigSection("default", "", nil),
	}
	for _, pattern := range reserved {
		c.AddReserved(pattern)
	}
	return c
}

// AddReserved adds a glob pattern to the reserved section name list.
// Malformed patterns are treated as literal names.
func (c *Config) AddReserved(pattern string) {
	c.reserved = append(c.reserved, pattern)
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		g = glob.MustCompile(glob.QuoteMeta(strings.ToLower(pattern)))
	}
	c.globs = append(c.globs, g)
}

func (c *Config) isReserved(name string) bool {
	name = strings.ToLower(name)
	for _, g := range c.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the config has no named sections. Defaults do not
// count.
func (c *Config) IsEmpty() bool {
	return len(c.sections) == 0
}

// Defaults returns the shared defaults section.
func (c *Config) Defaults() *ConfigSection {
	return c.defaults
}

// SetDefault sets an option in the defaults section.
func (c *Config) SetDefault(option, value string) error {
	return c.defaults.Set(option, value)
}

// AddSection creates a section. Duplicate (name, key), reserved names, keys
// when not allowed, and malformed names or keys are all rejected.
func (c *Config) AddSection(name, key string) (*ConfigSection, error) {
	name = strings.ToLower(name)
	key = strings.ToLower(key)
	if !optionNameRe.MatchString(name) {
		return nil, badSectionf("invalid section name '%s'", name)
	}
	if c.isReserved(name) {
		return nil, badSectionf("section name '%s' is reserved", name)
	}
	if key != "" {
		if c.flags&AllowKeys == 0 {
			return nil, badSectionf("section keys not allowed for section '%s:%s'", name, key)
		}
		if !optionNameRe.MatchString(key) {
			return nil, badSectionf("invalid section key '%s'", key)
		}
	}
	id := sectionID{name: name, key: key}
	if _, ok := c.sections[id]; ok {
		return nil, badSectionf("section '%s' already exists", sectionLabel(name, key))
	}
	section := newConfigSection(name, key, c.defaults)
	c.sections[id] = section
	return section, nil
}

// Get returns the section with the given name and key.
func (c *Config) Get(name, key string) (*ConfigSection, error) {
	id := sectionID{name: strings.ToLower(name), key: strings.ToLower(key)}
	section, ok := c.sections[id]
	if !ok {
		return nil, badSectionf("section '%s' does not exist", sectionLabel(id.name, id.key))
	}
	return section, nil
}

// GetSections returns every section with the given name, in unspecified
// order.
func (c *Config) GetSections(name string) []*ConfigSection {
	name = strings.ToLower(name)
	var out []*ConfigSection
	for id, section := range c.sections {
		if id.name == name {
			out = append(out, section)
		}
	}
	return out
}

// Sections returns all named sections.
func (c *Config) Sections() []*ConfigSection {
	out := make([]*ConfigSection, 0, len(c.sections))
	for _, section := range c.sections {
		out = append(out, section)
	}
	return out
}

// SectionNames returns the distinct section names.
func (c *Config) SectionNames() []string {
	seen := map[string]bool{}
	var out []string
	for id := range c.sections {
		if !seen[id.name] {
			seen[id.name] = true
			out = append(out, id.name)
		}
	}
	return out
}

// HasSection reports whether any section with the name exists.
func (c *Config) HasSection(name string) bool {
	return len(c.GetSections(name)) > 0
}

// Update merges other into c. Sections absent from c are cloned with c's
// defaults; present sections merge options with other winning; finally the
// defaults merge. Every section's defaults reference still points at c's
// defaults afterwards.
func (c *Config) Update(other *Config) {
	for id, section := range other.sections {
		dst, ok := c.sections[id]
		if !ok {
			dst = newConfigSection(id.name, id.key, c.defaults)
			c.sections[id] = dst
		}
		for k, v := range section.options {
			dst.options[k] = v
		}
	}
	for k, v := range other.defaults.options {
		c.defaults.options[k] = v
	}
}

func sectionLabel(name, key string) string {
	if key == "" {
		return name
	}
	return name + ":" + key
}
