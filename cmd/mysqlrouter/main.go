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

// mysqlrouter is the CLI entry point: it reads the configuration file,
// loads the configured plugins and drives their lifecycle until shutdown.
//
//	mysqlrouter [--param name=value ...] [--console] <config-file>
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/GoogleCloudPlatform/mysql-router/harness"

	// The statically linked plugins install themselves into the harness
	// registry at init time.
	_ "github.com/GoogleCloudPlatform/mysql-router/plugins/keepalive"
	_ "github.com/GoogleCloudPlatform/mysql-router/plugins/logger"
	_ "github.com/GoogleCloudPlatform/mysql-router/plugins/metadatacache"
	_ "github.com/GoogleCloudPlatform/mysql-router/plugins/routing"
)

const programName = "mysqlrouter"

// paramFlags collects repeatable --param name=value overrides for the
// config's default section.
type paramFlags map[string]string

func (p paramFlags) String() string {
	var parts []string
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(value string) error {
	name, val, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("invalid parameter '%s'; expected name=value", value)
	}
	p[name] = val
	return nil
}

func main() {
	params := paramFlags{}
	console := flag.Bool("console", false, "log to the console instead of the logging folder")
	flag.Var(params, "param", "override a default-section option (name=value, repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <options> <config-file>\n", programName)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), params, *console); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func run(configFile string, params paramFlags, console bool) error {
	if _, err := os.Stat(configFile); err != nil {
		return fmt.Errorf("config file %s: %w", configFile, err)
	}

	cfg := harness.NewConfig(harness.AllowKeys, "default*")
	cfg.SetDefault("program", programName)
	cfg.SetDefault("config_folder", filepath.Dir(configFile))
	if err := cfg.ReadFile(configFile); err != nil {
		return err
	}
	for name, value := range params {
		if err := cfg.SetDefault(name, value); err != nil {
			return err
		}
	}
	if console {
		cfg.SetDefault("logging_folder", "")
	}
	// Every plugin depends on the logger; give it a section even when the
	// config file does not spell one out.
	if !cfg.HasSection("logger") {
		if _, err := cfg.AddSection("logger", ""); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		harness.RequestStop()
	}()

	loader := harness.NewLoader(programName, cfg)
	return loader.Run()
}
