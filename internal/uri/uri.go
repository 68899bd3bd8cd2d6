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

// Package uri parses the RFC 3986 URIs used in routing destinations,
// for example metadata-cache://mycache/myreplicaset?role=SECONDARY.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Error is the distinct error kind for ill-formed URIs.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return e.Msg
}

func errorf(format string, v ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, v...)}
}

// URI is the parsed form. Scheme is lowercased; Path holds the decoded
// segments without the leading slash; Query holds single-valued pairs.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     uint16
	Path     []string
	Query    map[string]string
	Fragment string
}

// Parse parses s. Every malformed input reports a *uri.Error.
func Parse(s string) (*URI, error) {
	if !strings.Contains(s, "://") {
		return nil, errorf("invalid URI '%s': no scheme", s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errorf("invalid URI '%s': %v", s, err)
	}
	if u.Scheme == "" {
		return nil, errorf("invalid URI '%s': no scheme", s)
	}

	out := &URI{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Hostname(),
		Query:    map[string]string{},
		Fragment: u.Fragment,
	}
	if u.User != nil {
		out.User = u.User.Username()
		out.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, errorf("invalid port in URI '%s'", s)
		}
		out.Port = uint16(port)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/") {
		if seg == "" {
			continue
		}
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return nil, errorf("invalid path segment in URI '%s'", s)
		}
		out.Path = append(out.Path, dec)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, errorf("invalid query in URI '%s': %v", s, err)
	}
	for k, vs := range q {
		if len(vs) > 1 {
			return nil, errorf("duplicate query parameter '%s' in URI '%s'", k, s)
		}
		out.Query[k] = vs[0]
	}
	return out, nil
}
