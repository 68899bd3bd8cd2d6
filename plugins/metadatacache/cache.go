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
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// acceleratedTTL is the refresh cadence while any replicaset lacks a
// primary.
const acceleratedTTL = 1 * time.Second

// MetadataCache keeps the mapping from replicaset name to its live member
// list. Lookups always observe one complete refresh cycle's snapshot.
type MetadataCache struct {
	clusterName string
	ttl         time.Duration
	meta        metadata

	// serversMu guards metadataServers, which the refresh loop may rewrite
	// after a successful refresh to prefer the cluster's own members.
	serversMu       sync.Mutex
	metadataServers []netutil.TCPAddress

	// topologyMu guards the topology map and the change channel.
	topologyMu sync.Mutex
	topology   map[string]*ManagedReplicaSet
	changed    chan struct{}

	// accelerated is set while a primary is missing or reported
	// unreachable; the refresh loop then runs on the 1 s cadence.
	acceleratedMu sync.Mutex
	accelerated   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// newMetadataCache builds the cache, performs one synchronous refresh and
// starts the background refresh loop.
func newMetadataCache(bootstrapServers []netutil.TCPAddress, meta metadata, ttl time.Duration, clusterName string) *MetadataCache {
	c := &MetadataCache{
		clusterName:     clusterName,
		ttl:             ttl,
		meta:            meta,
		metadataServers: append([]netutil.TCPAddress(nil), bootstrapServers...),
		topology:        map[string]*ManagedReplicaSet{},
		changed:         make(chan struct{}),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
	if err := c.refresh(); err != nil {
		logs.Warningf("initial metadata refresh failed: %v", err)
	}
	go c.refreshLoop()
	return c
}

// Stop terminates the refresh loop and waits for it.
func (c *MetadataCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
	c.meta.Disconnect()
}

func (c *MetadataCache) refreshLoop() {
	defer close(c.done)
	for {
		interval := c.ttl
		if c.isAccelerated() {
			interval = acceleratedTTL
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
		if err := c.refresh(); err != nil {
			logs.Debugf("failed refreshing metadata: %v", err)
		}
	}
}

// refresh runs one full discovery cycle. Any failure leaves the previous
// snapshot in place.
func (c *MetadataCache) refresh() error {
	if err := c.meta.Connect(c.servers()); err != nil {
		c.meta.Disconnect()
		return err
	}
	topology, err := c.meta.FetchInstances(c.clusterName)
	if err != nil {
		return err
	}

	c.topologyMu.Lock()
	c.topology = topology
	close(c.changed)
	c.changed = make(chan struct{})
	c.topologyMu.Unlock()

	c.setAccelerated(anyPrimaryMissing(topology))
	c.rotateMetadataServers(topology)
	return nil
}

func anyPrimaryMissing(topology map[string]*ManagedReplicaSet) bool {
	for _, rs := range topology {
		if !rs.SinglePrimaryMode {
			continue
		}
		hasPrimary := false
		for _, m := range rs.Members {
			if m.Mode == ModeReadWrite {
				hasPrimary = true
				break
			}
		}
		if !hasPrimary {
			return true
		}
	}
	return false
}

// rotateMetadataServers points the bootstrap-server list at the observed
// members when they form a valid metadata quorum, so the next refresh tries
// current members first.
func (c *MetadataCache) rotateMetadataServers(topology map[string]*ManagedReplicaSet) {
	var servers []netutil.TCPAddress
	for _, rs := range topology {
		if rs.Status != StatusAvailableWritable && rs.Status != StatusAvailableReadOnly {
			continue
		}
		for _, m := range rs.Members {
			if m.Mode == ModeUnavailable {
				continue
			}
			servers = append(servers, netutil.TCPAddress{Addr: m.Host, Port: m.ClassicPort})
		}
	}
	if len(servers) == 0 {
		return
	}
	c.serversMu.Lock()
	c.metadataServers = servers
	c.serversMu.Unlock()
}

func (c *MetadataCache) servers() []netutil.TCPAddress {
	c.serversMu.Lock()
	defer c.serversMu.Unlock()
	return append([]netutil.TCPAddress(nil), c.metadataServers...)
}

func (c *MetadataCache) isAccelerated() bool {
	c.acceleratedMu.Lock()
	defer c.acceleratedMu.Unlock()
	return c.accelerated
}

func (c *MetadataCache) setAccelerated(v bool) {
	c.acceleratedMu.Lock()
	c.accelerated = v
	c.acceleratedMu.Unlock()
}

// LookupReplicaset returns a snapshot copy of the replicaset's member list.
// An unknown replicaset yields an empty list and a warning, not an error.
func (c *MetadataCache) LookupReplicaset(name string) []ManagedInstance {
	c.topologyMu.Lock()
	defer c.topologyMu.Unlock()
	rs, ok := c.topology[name]
	if !ok {
		logs.Warningf("replicaset '%s' not available", name)
		return nil
	}
	return append([]ManagedInstance(nil), rs.Members...)
}

// MarkInstanceReachability is a hint from the dataplane. Sustained
// unreachability of a primary switches the refresh loop to the accelerated
// cadence until a new primary is observed.
func (c *MetadataCache) MarkInstanceReachability(uuid string, status InstanceStatus) {
	if status == InstanceReachable {
		return
	}
	c.topologyMu.Lock()
	defer c.topologyMu.Unlock()
	for _, rs := range c.topology {
		for _, m := range rs.Members {
			if m.ServerUUID == uuid && m.Mode == ModeReadWrite {
				c.setAcceleratedLocked()
				return
			}
		}
	}
}

func (c *MetadataCache) setAcceleratedLocked() {
	// topologyMu is held; accelerated has its own lock.
	c.setAccelerated(true)
}

// WaitPrimaryFailover blocks up to timeout for the replicaset to have a
// primary. It reports whether one was observed.
func (c *MetadataCache) WaitPrimaryFailover(replicasetName string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.topologyMu.Lock()
		rs, ok := c.topology[replicasetName]
		hasPrimary := false
		if ok {
			for _, m := range rs.Members {
				if m.Mode == ModeReadWrite {
					hasPrimary = true
					break
				}
			}
		}
		changed := c.changed
		c.topologyMu.Unlock()
		if hasPrimary {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		case <-c.stopCh:
			return false
		}
	}
}
