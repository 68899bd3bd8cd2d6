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
	"sync/atomic"
	"time"
)

// DestRoundRobin hands out destinations in turn, skipping quarantined
// entries. A failed connect quarantines the entry and the walk continues
// until the list is exhausted.
type DestRoundRobin struct {
	*RouteDestination

	cursor atomic.Uint64
}

func NewDestRoundRobin(base *RouteDestination) *DestRoundRobin {
	return &DestRoundRobin{RouteDestination: base}
}

func (d *DestRoundRobin) GetServerSocket(connectTimeout time.Duration) (net.Conn, error) {
	d.CleanupQuarantine()

	size := d.Size()
	if size == 0 {
		return nil, connectionErrorf("no destinations available")
	}
	for attempts := 0; attempts < size; attempts++ {
		index := int((d.cursor.Add(1) - 1) % uint64(size))
		if d.isQuarantined(index) {
			continue
		}
		conn, err := d.connect(index, connectTimeout)
		if err == nil {
			return conn, nil
		}
		d.AddToQuarantine(index)
	}
	return nil, connectionErrorf("no more destinations available")
}

// DestFirstAvailable walks the list from the start on every call and
// returns the first destination that connects, so an earlier destination
// that recovered is picked up again.
type DestFirstAvailable struct {
	*RouteDestination
}

func NewDestFirstAvailable(base *RouteDestination) *DestFirstAvailable {
	return &DestFirstAvailable{RouteDestination: base}
}

func (d *DestFirstAvailable) GetServerSocket(connectTimeout time.Duration) (net.Conn, error) {
	size := d.Size()
	for index := 0; index < size; index++ {
		conn, err := d.connect(index, connectTimeout)
		if err == nil {
			return conn, nil
		}
	}
	return nil, connectionErrorf("no more destinations available")
}
