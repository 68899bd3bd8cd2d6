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
	"fmt"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/GoogleCloudPlatform/mysql-router/harness"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// sectionFromINI builds the routing section from an INI snippet.
func sectionFromINI(t *testing.T, options string) *harness.ConfigSection {
	t.Helper()
	cfg := harness.NewConfig(harness.AllowKeys)
	assert.NilError(t, cfg.ReadString("[routing:test]\n"+options))
	section, err := cfg.Get("routing", "test")
	assert.NilError(t, err)
	return section
}

func TestConfigDefaults(t *testing.T) {
	section := sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7001",
		"destinations = 127.0.0.1:3306",
		"mode = read-only",
		"",
	}, "\n"))

	cfg, err := configFromSection(section)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Name, "routing:test")
	assert.Equal(t, cfg.BindAddress, netutil.TCPAddress{Addr: "127.0.0.1", Port: 7001})
	assert.Equal(t, cfg.Mode, ModeReadOnly)
	assert.Equal(t, cfg.Strategy, StrategyUndefined)
	assert.Equal(t, cfg.ConnectTimeout, uint16(1))
	assert.Equal(t, cfg.WaitTimeout, uint32(0))
	assert.Equal(t, cfg.MaxConnections, uint16(512))
	assert.Equal(t, cfg.MaxConnectErrors, uint32(100))
	assert.Equal(t, cfg.ClientConnectTimeout, uint32(9))
	assert.Equal(t, cfg.Protocol, "classic")
}

func TestConfigInvalidMode(t *testing.T) {
	section := sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7001",
		"destinations = 127.0.0.1:3306",
		"mode = halfway",
		"",
	}, "\n"))

	_, err := configFromSection(section)
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
	for _, want := range []string{"mode", "read-only", "read-write"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfigModeAndStrategyExclusive(t *testing.T) {
	section := sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7001",
		"destinations = 127.0.0.1:3306",
		"mode = read-only",
		"routing_strategy = round-robin",
		"",
	}, "\n"))
	_, err := configFromSection(section)
	assert.ErrorContains(t, err, "not allowed together")

	section = sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7001",
		"destinations = 127.0.0.1:3306",
		"",
	}, "\n"))
	_, err = configFromSection(section)
	assert.ErrorContains(t, err, "routing_strategy")
}

func TestConfigOptionRanges(t *testing.T) {
	for _, tc := range []struct {
		option string
		value  string
	}{
		{"connect_timeout", "0"},
		{"max_connections", "0"},
		{"client_connect_timeout", "1"},
		{"max_connect_errors", "0"},
		{"protocol", "spdy"},
		{"routing_strategy", "sometimes"},
	} {
		section := sectionFromINI(t, strings.Join([]string{
			"bind_address = 127.0.0.1:7001",
			"destinations = 127.0.0.1:3306",
			"mode = read-only",
			tc.option + " = " + tc.value,
			"",
		}, "\n"))
		_, err := configFromSection(section)
		if err == nil || !strings.Contains(err.Error(), tc.option) {
			t.Errorf("option %s=%s: expected error naming the option, got %v",
				tc.option, tc.value, err)
		}
	}
}

func TestBindAddressInDestinationsRejected(t *testing.T) {
	bind := netutil.TCPAddress{Addr: "127.0.0.1", Port: 3306}
	_, err := parseDestinationsCSV("127.0.0.1:3306", bind)
	assert.ErrorContains(t, err, "Bind Address can not be part of destinations")
}

func TestDestinationsDefaultPort(t *testing.T) {
	bind := netutil.TCPAddress{Addr: "127.0.0.1", Port: 7001}
	got, err := parseDestinationsCSV("db1,db2:3307, ,", bind)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0], netutil.TCPAddress{Addr: "db1", Port: 3306})
	assert.Equal(t, got[1], netutil.TCPAddress{Addr: "db2", Port: 3307})
}

func TestLongDestinationsLine(t *testing.T) {
	// A destinations value past 400 characters must survive parsing
	// without truncation.
	var entries []string
	for i := 0; i < 28; i++ {
		entries = append(entries, fmt.Sprintf("host%02d.example.com:3306", i))
	}
	csv := strings.Join(entries, ",")
	if len(csv) < 420 {
		t.Fatalf("test setup: destinations line only %d chars", len(csv))
	}

	section := sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7001",
		"destinations = " + csv,
		"mode = read-only",
		"",
	}, "\n"))
	cfg, err := configFromSection(section)
	assert.NilError(t, err)

	got, err := parseDestinationsCSV(cfg.Destinations, cfg.BindAddress)
	assert.NilError(t, err)
	assert.Equal(t, len(got), len(entries))
	assert.Equal(t, got[len(got)-1].Addr, "host27.example.com")
}

func TestBindPortFallback(t *testing.T) {
	section := sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1",
		"bind_port = 7002",
		"destinations = 127.0.0.1:3306",
		"mode = read-only",
		"",
	}, "\n"))
	cfg, err := configFromSection(section)
	assert.NilError(t, err)
	assert.Equal(t, cfg.BindAddress.Port, uint16(7002))

	// A port in bind_address wins over bind_port.
	section = sectionFromINI(t, strings.Join([]string{
		"bind_address = 127.0.0.1:7003",
		"bind_port = 7002",
		"destinations = 127.0.0.1:3306",
		"mode = read-only",
		"",
	}, "\n"))
	cfg, err = configFromSection(section)
	assert.NilError(t, err)
	assert.Equal(t, cfg.BindAddress.Port, uint16(7003))
}
