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

package routing

import (
	"github.com/GoogleCloudPlatform/mysql-router/harness"
)

func init() {
	harness.Register("routing", &harness.Plugin{
		ABIVersion: harness.ABIVersion,
		Brief:      "Routing MySQL connections between MySQL clients/connectors and servers",
		Version:    harness.NewVersion(0, 0, 1),
		Requires:   []string{"logger"},
		Start:      start,
	})
}

// start runs one routing service for its [routing:<key>] section; the
// harness spawns one worker per section.
func start(section *harness.ConfigSection) error {
	cfg, err := configFromSection(section)
	if err != nil {
		return err
	}
	r, err := NewMySQLRouting(cfg)
	if err != nil {
		return err
	}
	go func() {
		<-harness.Stopping()
		r.Stop()
	}()
	return r.Start()
}
