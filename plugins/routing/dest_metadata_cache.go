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
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
	"github.com/GoogleCloudPlatform/mysql-router/internal/uri"
	"github.com/GoogleCloudPlatform/mysql-router/plugins/metadatacache"
)

// DestinationRole filters the replicaset members a metadata-cache
// destination may use.
type DestinationRole int

const (
	RolePrimary DestinationRole = iota
	RoleSecondary
	RolePrimaryAndSecondary
)

func (r DestinationRole) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleSecondary:
		return "SECONDARY"
	case RolePrimaryAndSecondary:
		return "PRIMARY_AND_SECONDARY"
	}
	return "?"
}

// lookupFunc is injectable so destination tests run against a synthetic
// topology.
type lookupFunc func(cacheName, replicasetName string) ([]metadatacache.ManagedInstance, error)

// markFunc forwards reachability hints back to the cache.
type markFunc func(cacheName, uuid string, status metadatacache.InstanceStatus)

// DestMetadataCacheGroup selects destinations from a metadata cache
// replicaset on every connection. The member list is rebuilt per call from
// the latest snapshot, so the quarantine machinery of the static
// destinations is redundant here and not used.
type DestMetadataCacheGroup struct {
	CacheName      string
	ReplicasetName string
	Role           DestinationRole
	Strategy       RoutingStrategy
	// AllowPrimaryReads promotes Primaries into a SECONDARY candidate
	// list when every Secondary is gone.
	AllowPrimaryReads bool
	// xProtocol selects the members' X port instead of the classic one.
	xProtocol bool

	lookup lookupFunc
	mark   markFunc
	dial   dialFunc

	cursor atomic.Uint64

	// current is the pinned index for next-available; like the static
	// variant it is never rewound, even when a refresh replaces the list.
	mu      sync.Mutex
	current int
}

// destinationURIScheme introduces metadata-cache destinations.
const destinationURIScheme = "metadata-cache"

// newDestMetadataCacheGroup builds the destination from a parsed
// destinations URI plus the section's mode or strategy.
func newDestMetadataCacheGroup(u *uri.URI, cfg *RoutingConfig) (*DestMetadataCacheGroup, error) {
	if u.Scheme != destinationURIScheme {
		return nil, fmt.Errorf("invalid URI scheme '%s' for destinations URI", u.Scheme)
	}
	if u.Host == "" || len(u.Path) < 1 {
		return nil, fmt.Errorf("invalid destinations URI: need metadata-cache://<cache>/<replicaset>")
	}

	d := &DestMetadataCacheGroup{
		CacheName:      u.Host,
		ReplicasetName: u.Path[0],
		xProtocol:      cfg.Protocol == "x",
		lookup:         metadatacache.LookupReplicaset,
		mark:           metadatacache.MarkInstanceReachability,
		dial:           netutil.Dial,
	}

	roleSet := false
	for key, value := range u.Query {
		switch key {
		case "role":
			role, err := parseRole(value)
			if err != nil {
				return nil, err
			}
			d.Role = role
			roleSet = true
		case "allow_primary_reads":
			v, err := parseYesNo(value)
			if err != nil {
				return nil, fmt.Errorf("invalid value '%s' for URI parameter allow_primary_reads; valid are yes, no", value)
			}
			d.AllowPrimaryReads = v
		default:
			return nil, fmt.Errorf("unsupported URI parameter '%s' in destinations URI", key)
		}
	}

	if d.AllowPrimaryReads {
		if cfg.Strategy != StrategyUndefined {
			return nil, fmt.Errorf("allow_primary_reads is only supported with the legacy mode option, not with routing_strategy")
		}
		if roleSet && d.Role != RoleSecondary {
			return nil, fmt.Errorf("allow_primary_reads requires role=SECONDARY")
		}
	}

	switch {
	case cfg.Mode == ModeReadWrite:
		// Writes pin the primary until it dies.
		d.Strategy = StrategyNextAvailable
		if !roleSet {
			d.Role = RolePrimary
		}
	case cfg.Mode == ModeReadOnly:
		d.Strategy = StrategyRoundRobin
		if !roleSet {
			d.Role = RoleSecondary
		}
	default:
		if !roleSet {
			return nil, fmt.Errorf("destinations URI requires a role parameter when routing_strategy is used")
		}
		d.Strategy = cfg.Strategy
	}

	if d.Strategy == StrategyRoundRobinWithFallback && d.Role != RoleSecondary {
		return nil, fmt.Errorf("round-robin-with-fallback is only valid with role=SECONDARY")
	}
	return d, nil
}

func parseRole(value string) (DestinationRole, error) {
	switch strings.ToUpper(value) {
	case "PRIMARY":
		return RolePrimary, nil
	case "SECONDARY":
		return RoleSecondary, nil
	case "PRIMARY_AND_SECONDARY":
		return RolePrimaryAndSecondary, nil
	}
	return 0, fmt.Errorf(
		"invalid role '%s' in destinations URI; valid are PRIMARY, SECONDARY, PRIMARY_AND_SECONDARY", value)
}

func parseYesNo(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid yes/no value '%s'", value)
}

// Empty is always false: whether the cache currently has members is only
// known at connect time.
func (d *DestMetadataCacheGroup) Empty() bool {
	return false
}

// Addresses returns the current candidates; only used for informational
// purposes since the list changes with every refresh.
func (d *DestMetadataCacheGroup) Addresses() []netutil.TCPAddress {
	candidates, _, _ := d.available()
	out := make([]netutil.TCPAddress, len(candidates))
	for i, c := range candidates {
		out[i] = d.addressOf(c)
	}
	return out
}

func (d *DestMetadataCacheGroup) addressOf(m metadatacache.ManagedInstance) netutil.TCPAddress {
	port := m.ClassicPort
	if d.xProtocol {
		port = m.XPort
	}
	return netutil.TCPAddress{Addr: m.Host, Port: port}
}

// available rebuilds the candidate list from the latest snapshot: members
// are filtered by the role (dropping anything Unavailable), and Primaries
// are promoted into an empty SECONDARY list when the configuration allows
// reads from the primary.
func (d *DestMetadataCacheGroup) available() (candidates, primaries []metadatacache.ManagedInstance, err error) {
	members, err := d.lookup(d.CacheName, d.ReplicasetName)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range members {
		switch m.Mode {
		case metadatacache.ModeReadWrite:
			primaries = append(primaries, m)
			if d.Role == RolePrimary || d.Role == RolePrimaryAndSecondary {
				candidates = append(candidates, m)
			}
		case metadatacache.ModeReadOnly:
			if d.Role == RoleSecondary || d.Role == RolePrimaryAndSecondary {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 && d.Role == RoleSecondary &&
		(d.AllowPrimaryReads || d.Strategy == StrategyRoundRobinWithFallback) {
		candidates = primaries
	}
	return candidates, primaries, nil
}

func (d *DestMetadataCacheGroup) GetServerSocket(connectTimeout time.Duration) (net.Conn, error) {
	candidates, primaries, err := d.available()
	if err != nil {
		return nil, connectionErrorf("looking up replicaset '%s': %v", d.ReplicasetName, err)
	}

	switch d.Strategy {
	case StrategyNextAvailable:
		return d.nextAvailable(candidates, connectTimeout)
	case StrategyRoundRobin:
		return d.roundRobin(candidates, connectTimeout)
	case StrategyRoundRobinWithFallback:
		conn, err := d.roundRobin(candidates, connectTimeout)
		if err == nil {
			return conn, nil
		}
		// Every Secondary is gone or refused; reads fall back to the
		// Primaries.
		return d.roundRobin(primaries, connectTimeout)
	default:
		return d.firstAvailable(candidates, connectTimeout)
	}
}

func (d *DestMetadataCacheGroup) tryConnect(m metadatacache.ManagedInstance, timeout time.Duration) (net.Conn, error) {
	conn, err := d.dial(d.addressOf(m), timeout)
	if err != nil {
		logs.Debugf("failed connecting to instance %s (%s): %v", m.ServerUUID, d.addressOf(m), err)
		d.mark(d.CacheName, m.ServerUUID, metadatacache.InstanceUnreachable)
		return nil, err
	}
	return conn, nil
}

func (d *DestMetadataCacheGroup) firstAvailable(candidates []metadatacache.ManagedInstance, timeout time.Duration) (net.Conn, error) {
	for _, m := range candidates {
		if conn, err := d.tryConnect(m, timeout); err == nil {
			return conn, nil
		}
	}
	return nil, connectionErrorf("no available destination in replicaset '%s'", d.ReplicasetName)
}

func (d *DestMetadataCacheGroup) nextAvailable(candidates []metadatacache.ManagedInstance, timeout time.Duration) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.current < len(candidates) {
		conn, err := d.tryConnect(candidates[d.current], timeout)
		if err == nil {
			return conn, nil
		}
		d.current++
	}
	return nil, connectionErrorf("no more destinations available in replicaset '%s'", d.ReplicasetName)
}

func (d *DestMetadataCacheGroup) roundRobin(candidates []metadatacache.ManagedInstance, timeout time.Duration) (net.Conn, error) {
	size := len(candidates)
	if size == 0 {
		return nil, connectionErrorf("no available destination in replicaset '%s'", d.ReplicasetName)
	}
	for attempts := 0; attempts < size; attempts++ {
		index := int((d.cursor.Add(1) - 1) % uint64(size))
		if conn, err := d.tryConnect(candidates[index], timeout); err == nil {
			return conn, nil
		}
	}
	return nil, connectionErrorf("no available destination in replicaset '%s'", d.ReplicasetName)
}
