// Copyright 2023 Google LLC
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

// Package secret keeps credentials from leaking into logs and serialized
// configuration. A secret.String formats as a fixed mask; the real value is
// only reachable through SecretValue.
package secret

import "fmt"

type Secret[T any] interface {
	fmt.Stringer
	SecretValue() T
}

type String string

func (s String) String() string {
	return "xxxxx"
}

func (s String) GoString() string {
	return s.String()
}

func (s String) SecretValue() string {
	return string(s)
}
