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

	"github.com/GoogleCloudPlatform/mysql-router/harness"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// AccessMode is the legacy mode option.
type AccessMode int

const (
	ModeUndefined AccessMode = iota
	ModeReadWrite
	ModeReadOnly
)

func (m AccessMode) String() string {
	switch m {
	case ModeReadWrite:
		return "read-write"
	case ModeReadOnly:
		return "read-only"
	}
	return "undefined"
}

// RoutingStrategy selects how a destination is picked per connection.
type RoutingStrategy int

const (
	StrategyUndefined RoutingStrategy = iota
	StrategyFirstAvailable
	StrategyNextAvailable
	StrategyRoundRobin
	StrategyRoundRobinWithFallback
)

func (s RoutingStrategy) String() string {
	switch s {
	case StrategyFirstAvailable:
		return "first-available"
	case StrategyNextAvailable:
		return "next-available"
	case StrategyRoundRobin:
		return "round-robin"
	case StrategyRoundRobinWithFallback:
		return "round-robin-with-fallback"
	}
	return "undefined"
}

const (
	defaultNetPort = uint16(3306)

	defaultConnectTimeout       = 1   // seconds
	defaultWaitTimeout          = 0   // block indefinitely
	defaultMaxConnections       = 512 //
	defaultClientConnectTimeout = 9   // seconds
	defaultMaxConnectErrors     = 100
)

// sectionOptions is the raw decoded [routing:<key>] section.
type sectionOptions struct {
	BindAddress          string `ini:"bind_address"`
	BindPort             uint16 `ini:"bind_port"`
	Destinations         string `ini:"destinations" validate:"required"`
	Mode                 string `ini:"mode" validate:"omitempty,oneof=read-only read-write"`
	RoutingStrategy      string `ini:"routing_strategy" validate:"omitempty,oneof=first-available next-available round-robin round-robin-with-fallback"`
	ConnectTimeout       uint16 `ini:"connect_timeout" validate:"gte=1"`
	WaitTimeout          uint32 `ini:"wait_timeout"`
	MaxConnections       uint16 `ini:"max_connections" validate:"gte=1"`
	ClientConnectTimeout uint32 `ini:"client_connect_timeout" validate:"gte=2,lte=31536000"`
	MaxConnectErrors     uint32 `ini:"max_connect_errors" validate:"gte=1"`
	Protocol             string `ini:"protocol" validate:"omitempty,oneof=classic x"`
}

// RoutingConfig is the validated configuration of one routing service.
type RoutingConfig struct {
	Name         string
	BindAddress  netutil.TCPAddress
	Destinations string
	Mode         AccessMode
	Strategy     RoutingStrategy

	ConnectTimeout       uint16
	WaitTimeout          uint32
	MaxConnections       uint16
	ClientConnectTimeout uint32
	MaxConnectErrors     uint32
	Protocol             string
}

// configFromSection decodes and cross-validates a routing section.
func configFromSection(section *harness.ConfigSection) (*RoutingConfig, error) {
	opts := sectionOptions{
		ConnectTimeout:       defaultConnectTimeout,
		WaitTimeout:          defaultWaitTimeout,
		MaxConnections:       defaultMaxConnections,
		ClientConnectTimeout: defaultClientConnectTimeout,
		MaxConnectErrors:     defaultMaxConnectErrors,
		Protocol:             "classic",
	}
	if err := harness.DecodeSection(section, &opts); err != nil {
		return nil, err
	}

	name := section.Name
	if section.Key != "" {
		name = section.Name + ":" + section.Key
	}
	cfg := &RoutingConfig{
		Name:                 name,
		Destinations:         opts.Destinations,
		ConnectTimeout:       opts.ConnectTimeout,
		WaitTimeout:          opts.WaitTimeout,
		MaxConnections:       opts.MaxConnections,
		ClientConnectTimeout: opts.ClientConnectTimeout,
		MaxConnectErrors:     opts.MaxConnectErrors,
		Protocol:             opts.Protocol,
	}

	// Exactly one of mode and routing_strategy must be present.
	if opts.Mode == "" && opts.RoutingStrategy == "" {
		return nil, fmt.Errorf(
			"section '%s': option routing_strategy is required (or the legacy mode option)", name)
	}
	if opts.Mode != "" && opts.RoutingStrategy != "" {
		return nil, fmt.Errorf(
			"section '%s': option mode is not allowed together with routing_strategy", name)
	}
	switch opts.Mode {
	case "read-write":
		cfg.Mode = ModeReadWrite
	case "read-only":
		cfg.Mode = ModeReadOnly
	}
	switch opts.RoutingStrategy {
	case "first-available":
		cfg.Strategy = StrategyFirstAvailable
	case "next-available":
		cfg.Strategy = StrategyNextAvailable
	case "round-robin":
		cfg.Strategy = StrategyRoundRobin
	case "round-robin-with-fallback":
		cfg.Strategy = StrategyRoundRobinWithFallback
	}

	bind, err := parseBindAddress(opts.BindAddress, opts.BindPort)
	if err != nil {
		return nil, fmt.Errorf("section '%s': %w", name, err)
	}
	cfg.BindAddress = bind
	return cfg, nil
}

// parseBindAddress combines bind_address and bind_port; a port in the
// address overrides bind_port.
func parseBindAddress(address string, port uint16) (netutil.TCPAddress, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	addr, err := netutil.SplitAddrPort(address)
	if err != nil {
		return netutil.TCPAddress{}, fmt.Errorf("option bind_address is invalid: %w", err)
	}
	if addr.Port == 0 {
		addr.Port = port
	}
	if addr.Port == 0 {
		return netutil.TCPAddress{}, fmt.Errorf("either bind_address must include a port or option bind_port must be set")
	}
	return addr, nil
}

// parseDestinationsCSV splits a comma-separated host[:port] list; empty
// entries are skipped, the port defaults to 3306, and the bind address may
// not appear.
func parseDestinationsCSV(csv string, bindAddress netutil.TCPAddress) ([]netutil.TCPAddress, error) {
	var out []netutil.TCPAddress
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := netutil.SplitAddrPort(part)
		if err != nil {
			return nil, fmt.Errorf("destination address '%s' is invalid: %w", part, err)
		}
		if addr.Port == 0 {
			addr.Port = defaultNetPort
		}
		if addr == bindAddress {
			return nil, fmt.Errorf("Bind Address can not be part of destinations")
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no destinations available")
	}
	return out, nil
}
