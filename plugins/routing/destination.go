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
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// Destination chooses and connects to a backend for each new client
// connection.
type Destination interface {
	// GetServerSocket returns a connected socket to the strategy-chosen
	// member, or a ConnectionError on exhaustion.
	GetServerSocket(connectTimeout time.Duration) (net.Conn, error)
	// Addresses returns the currently configured addresses; static
	// destinations use it for the bind-address check.
	Addresses() []netutil.TCPAddress
	// Empty reports whether no destination could ever be produced.
	Empty() bool
}

// dialFunc is injectable so destination tests run without real backends.
type dialFunc func(addr netutil.TCPAddress, timeout time.Duration) (net.Conn, error)

// RouteDestination is the shared base for static destination lists: a
// thread-safe ordered address sequence plus a quarantine set of indices
// temporarily removed from selection after a connect failure.
type RouteDestination struct {
	mu           sync.Mutex
	destinations []netutil.TCPAddress

	// quarantineMu guards quarantine independently so per-connection
	// threads probing it do not serialize against list readers.
	quarantineMu sync.Mutex
	quarantine   map[int]time.Time

	dial dialFunc
}

func NewRouteDestination(addrs ...netutil.TCPAddress) *RouteDestination {
	d := &RouteDestination{
		quarantine: map[int]time.Time{},
		dial:       netutil.Dial,
	}
	for _, a := range addrs {
		d.Add(a)
	}
	return d
}

func (d *RouteDestination) Add(addr netutil.TCPAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destinations = append(d.destinations, addr)
}

func (d *RouteDestination) Remove(addr netutil.TCPAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.destinations {
		if a == addr {
			d.destinations = append(d.destinations[:i], d.destinations[i+1:]...)
			return
		}
	}
}

func (d *RouteDestination) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destinations = nil
	d.quarantineMu.Lock()
	d.quarantine = map[int]time.Time{}
	d.quarantineMu.Unlock()
}

func (d *RouteDestination) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.destinations)
}

func (d *RouteDestination) Empty() bool {
	return d.Size() == 0
}

func (d *RouteDestination) Addresses() []netutil.TCPAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]netutil.TCPAddress(nil), d.destinations...)
}

// AddToQuarantine marks the index unavailable. Duplicates are no-ops;
// an out-of-range index is a programming error.
func (d *RouteDestination) AddToQuarantine(index int) {
	if index < 0 || index >= d.Size() {
		panic(fmt.Sprintf("quarantine index %d out of range", index))
	}
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	if _, ok := d.quarantine[index]; ok {
		return
	}
	d.quarantine[index] = time.Now()
}

func (d *RouteDestination) isQuarantined(index int) bool {
	d.quarantineMu.Lock()
	defer d.quarantineMu.Unlock()
	_, ok := d.quarantine[index]
	return ok
}

// quarantineProbeTimeout bounds the short connect used to probe a
// quarantined destination.
const quarantineProbeTimeout = 1 * time.Second

// CleanupQuarantine probes quarantined indices with a short connect and
// removes the ones that answer. Invoked opportunistically at the start of
// GetServerSocket and periodically by the routing service.
func (d *RouteDestination) CleanupQuarantine() {
	d.quarantineMu.Lock()
	indices := make([]int, 0, len(d.quarantine))
	for i := range d.quarantine {
		indices = append(indices, i)
	}
	d.quarantineMu.Unlock()

	for _, i := range indices {
		addr, ok := d.addressAt(i)
		if !ok {
			continue
		}
		conn, err := d.dial(addr, quarantineProbeTimeout)
		if err != nil {
			continue
		}
		conn.Close()
		d.quarantineMu.Lock()
		delete(d.quarantine, i)
		d.quarantineMu.Unlock()
	}
}

func (d *RouteDestination) addressAt(index int) (netutil.TCPAddress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.destinations) {
		return netutil.TCPAddress{}, false
	}
	return d.destinations[index], true
}

// connect dials the destination at index.
func (d *RouteDestination) connect(index int, timeout time.Duration) (net.Conn, error) {
	addr, ok := d.addressAt(index)
	if !ok {
		return nil, connectionErrorf("destination index %d out of range", index)
	}
	conn, err := d.dial(addr, timeout)
	if err != nil {
		return nil, connectionErrorf("connecting to %s: %v", addr, err)
	}
	return conn, nil
}
