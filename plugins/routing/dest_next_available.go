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
	"net"
	"sync"
	"time"
)

// DestNextAvailable implements the read-write failover strategy: stick
// with the current destination as long as it connects, and on failure
// quarantine it and advance. The index is never rewound; once the walk
// ran off the end, selection fails permanently until the server list is
// replaced ("fail forward"). A recovered earlier destination is not
// reconsidered.
type DestNextAvailable struct {
	*RouteDestination

	mu      sync.Mutex
	current int
}

func NewDestNextAvailable(base *RouteDestination) *DestNextAvailable {
	return &DestNextAvailable{RouteDestination: base}
}

func (d *DestNextAvailable) GetServerSocket(connectTimeout time.Duration) (net.Conn, error) {
	d.CleanupQuarantine()

	d.mu.Lock()
	defer d.mu.Unlock()
	size := d.Size()
	for d.current < size {
		conn, err := d.connect(d.current, connectTimeout)
		if err == nil {
			return conn, nil
		}
		d.AddToQuarantine(d.current)
		d.current++
	}
	return nil, connectionErrorf("no more destinations available")
}
