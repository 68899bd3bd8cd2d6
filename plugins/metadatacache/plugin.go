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

package metadatacache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/GoogleCloudPlatform/mysql-router/harness"
	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
	"github.com/GoogleCloudPlatform/mysql-router/internal/secret"
	"github.com/GoogleCloudPlatform/mysql-router/internal/uri"
)

func init() {
	harness.Register("metadata_cache", &harness.Plugin{
		ABIVersion: harness.ABIVersion,
		Brief:      "Metadata Cache, managing information fetched from the Metadata Server",
		Version:    harness.NewVersion(0, 0, 1),
		Requires:   []string{"logger"},
		Init:       initPlugin,
		Deinit:     deinitPlugin,
	})
}

// pluginConfig is the decoded [metadata_cache:<name>] section.
type pluginConfig struct {
	User                     string `ini:"user" validate:"required"`
	BootstrapServerAddresses string `ini:"bootstrap_server_addresses" validate:"required"`
	TTL                      uint32 `ini:"ttl" validate:"gte=1"`
	MetadataCluster          string `ini:"metadata_cluster"`
}

// initialized tracks the caches this plugin instance installed, for
// teardown in reverse.
var initialized []string

func initPlugin(info *harness.AppInfo) error {
	sections := info.Config.GetSections("metadata_cache")
	if len(sections) == 0 {
		return fmt.Errorf("no metadata_cache section defined")
	}
	for _, section := range sections {
		if err := initSection(section); err != nil {
			return err
		}
	}
	return nil
}

func initSection(section *harness.ConfigSection) error {
	// The password never lives in the configuration file.
	if section.HasOwn("password") {
		return fmt.Errorf(
			"section '%s': the password option is not allowed in the configuration file; it is prompted at startup",
			sectionName(section))
	}

	cfg := pluginConfig{TTL: uint32(DefaultMetadataTTL / time.Second)}
	if err := harness.DecodeSection(section, &cfg); err != nil {
		return err
	}
	servers, err := parseBootstrapAddresses(cfg.BootstrapServerAddresses)
	if err != nil {
		return err
	}

	password := promptPassword(cfg.User)
	name := section.Key
	if name == "" {
		name = section.Name
	}
	logs.Infof("starting metadata cache '%s' for cluster '%s' with ttl %ds",
		name, cfg.MetadataCluster, cfg.TTL)
	if err := InitCache(name, servers, cfg.User, password,
		time.Duration(cfg.TTL)*time.Second, cfg.MetadataCluster); err != nil {
		return err
	}
	initialized = append(initialized, name)
	return nil
}

func deinitPlugin(info *harness.AppInfo) error {
	for i := len(initialized) - 1; i >= 0; i-- {
		TeardownCache(initialized[i])
	}
	initialized = nil
	return nil
}

// parseBootstrapAddresses splits the comma-separated list of
// mysql://host[:port] URIs.
func parseBootstrapAddresses(list string) ([]netutil.TCPAddress, error) {
	var servers []netutil.TCPAddress
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		u, err := uri.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap server address '%s': %w", entry, err)
		}
		if u.Scheme != "mysql" {
			return nil, fmt.Errorf("invalid bootstrap server address '%s': scheme must be mysql", entry)
		}
		port := u.Port
		if port == 0 {
			port = DefaultMetadataPort
		}
		servers = append(servers, netutil.TCPAddress{Addr: u.Host, Port: port})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("bootstrap_server_addresses is empty")
	}
	return servers, nil
}

// promptPassword reads the metadata-server password from the controlling
// terminal. Without a terminal (tests, service units) it stays empty.
var promptPassword = func(user string) secret.String {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprintf(os.Stderr, "Password for [%s], please enter: ", user)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return secret.String(raw)
}

func sectionName(section *harness.ConfigSection) string {
	if section.Key == "" {
		return section.Name
	}
	return section.Name + ":" + section.Key
}
