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
	"strings"

	"github.com/blang/semver"
)

// Version is an ordered (major, minor, patch) triple, compared
// lexicographically.
type Version = semver.Version

// NewVersion builds a Version from its parts.
func NewVersion(major, minor, patch uint64) Version {
	return Version{Major: major, Minor: minor, Patch: patch}
}

// VersionFromUint32 unpacks the 32-bit encoding
// (major<<24)|(minor<<16)|patch.
func VersionFromUint32(v uint32) Version {
	return Version{
		Major: uint64(v >> 24),
		Minor: uint64((v >> 16) & 0xff),
		Patch: uint64(v & 0xffff),
	}
}

// VersionToUint32 packs a Version into the 32-bit encoding. Components that
// do not fit are truncated, matching the encoding's field widths.
func VersionToUint32(v Version) uint32 {
	return uint32(v.Major&0xff)<<24 | uint32(v.Minor&0xff)<<16 | uint32(v.Patch&0xffff)
}

// Relation is one of the six designator version relations.
type Relation int

const (
	RelationLess Relation = iota
	RelationLessEqual
	RelationEqual
	RelationNotEqual
	RelationGreaterEqual
	RelationGreater
)

func (r Relation) String() string {
	switch r {
	case RelationLess:
		return "<<"
	case RelationLessEqual:
		return "<="
	case RelationEqual:
		return "=="
	case RelationNotEqual:
		return "!="
	case RelationGreaterEqual:
		return ">="
	case RelationGreater:
		return ">>"
	}
	return "?"
}

// Constraint pairs a relation with a version.
type Constraint struct {
	Relation Relation
	Version  Version
}

func (c Constraint) match(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Relation {
	case RelationLess:
		return cmp < 0
	case RelationLessEqual:
		return cmp <= 0
	case RelationEqual:
		return cmp == 0
	case RelationNotEqual:
		return cmp != 0
	case RelationGreaterEqual:
		return cmp >= 0
	case RelationGreater:
		return cmp > 0
	}
	return false
}

// Designator is a parsed plugin-dependency expression of the form
// name(op version, op version, ...). An empty constraint list accepts every
// version.
type Designator struct {
	Name        string
	Constraints []Constraint
}

// VersionGood reports whether v satisfies every constraint.
func (d Designator) VersionGood(v Version) bool {
	for _, c := range d.Constraints {
		if !c.match(v) {
			return false
		}
	}
	return true
}

// ParseDesignator parses a dependency expression.
func ParseDesignator(input string) (Designator, error) {
	s := strings.TrimSpace(input)
	var d Designator

	i := 0
	for i < len(s) && isWordChar(s[i]) {
		i++
	}
	if i == 0 {
		return d, badPluginf("invalid designator '%s': expected plugin name", input)
	}
	d.Name = s[:i]

	rest := strings.TrimSpace(s[i:])
	if rest == "" {
		return d, nil
	}
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return d, badPluginf("invalid designator '%s': malformed constraint list", input)
	}
	inner := strings.TrimSpace(rest[1 : len(rest)-1])
	if inner == "" {
		return d, nil
	}
	for _, part := range strings.Split(inner, ",") {
		c, err := parseConstraint(strings.TrimSpace(part))
		if err != nil {
			return d, badPluginf("invalid designator '%s': %v", input, err)
		}
		d.Constraints = append(d.Constraints, c)
	}
	return d, nil
}

var relationTokens = []struct {
	token    string
	relation Relation
}{
	{"<<", RelationLess},
	{"<=", RelationLessEqual},
	{"==", RelationEqual},
	{"!=", RelationNotEqual},
	{">=", RelationGreaterEqual},
	{">>", RelationGreater},
}

func parseConstraint(s string) (Constraint, error) {
	for _, rt := range relationTokens {
		if strings.HasPrefix(s, rt.token) {
			version, err := ParseVersion(strings.TrimSpace(s[len(rt.token):]))
			if err != nil {
				return Constraint{}, err
			}
			return Constraint{Relation: rt.relation, Version: version}, nil
		}
	}
	return Constraint{}, fmt.Errorf("expected version relation in '%s'", s)
}

// ParseVersion parses "major.minor.patch"; a missing minor or patch is
// taken as zero.
func ParseVersion(s string) (Version, error) {
	v, err := semver.ParseTolerant(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version '%s': %w", s, err)
	}
	if len(v.Pre) > 0 || len(v.Build) > 0 {
		return Version{}, fmt.Errorf("invalid version '%s': only major.minor.patch is accepted", s)
	}
	return v, nil
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
