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

// Package logger is the logging plugin. It installs the process-wide
// levelled sinks at init time; every other plugin depends on it so the
// sinks exist before any of them run.
package logger

import (
	"github.com/GoogleCloudPlatform/mysql-router/harness"
	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
)

func init() {
	harness.Register("logger", &harness.Plugin{
		ABIVersion: harness.ABIVersion,
		Brief:      "Logging functions",
		Version:    harness.NewVersion(0, 0, 1),
		Init:       initLogger,
		Deinit:     deinitLogger,
	})
}

func initLogger(info *harness.AppInfo) error {
	logs.SetGlobal(logs.New(info.LoggingFolder))
	logs.Infof("logging facility initialized")
	return nil
}

func deinitLogger(info *harness.AppInfo) error {
	logs.SetGlobal(logs.Default())
	return nil
}
