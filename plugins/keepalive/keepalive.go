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

// Package keepalive is a demonstration plugin that logs a heartbeat on an
// interval until the harness shuts down.
//
//	[keepalive]
//	interval = 2
//	runs = 3
package keepalive

import (
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/mysql-router/harness"
	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
)

const (
	defaultInterval = 60 // seconds
	defaultRuns     = 0  // 0 means for ever
)

func init() {
	harness.Register("keepalive", &harness.Plugin{
		ABIVersion: harness.ABIVersion,
		Brief:      "Keepalive Plugin",
		Version:    harness.NewVersion(0, 0, 1),
		Requires:   []string{"logger"},
		Start:      start,
	})
}

func intOption(section *harness.ConfigSection, option string, fallback int) int {
	v, err := section.GetDefault(option, "")
	if err != nil || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Anything invalid falls back to the default.
		return fallback
	}
	return n
}

func start(section *harness.ConfigSection) error {
	interval := intOption(section, "interval", defaultInterval)
	runs := intOption(section, "runs", defaultRuns)

	name := section.Name
	if section.Key != "" {
		name += " " + section.Key
	}

	logs.Infof("%s started with interval %d", name, interval)
	if runs != 0 {
		logs.Infof("%s will run %d time(s)", name, runs)
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for totalRuns := 0; runs == 0 || totalRuns < runs; totalRuns++ {
		logs.Infof("%s", name)
		select {
		case <-ticker.C:
		case <-harness.Stopping():
			return nil
		}
	}
	return nil
}
