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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// fakeMetadata serves a scripted topology instead of talking to real
// metadata servers.
type fakeMetadata struct {
	mu       sync.Mutex
	topology map[string]*ManagedReplicaSet
	err      error
	connects int
}

func (f *fakeMetadata) Connect(servers []netutil.TCPAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.err
}

func (f *fakeMetadata) Disconnect() {}

func (f *fakeMetadata) FetchInstances(clusterName string) (map[string]*ManagedReplicaSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]*ManagedReplicaSet{}
	for name, rs := range f.topology {
		clone := *rs
		clone.Members = append([]ManagedInstance(nil), rs.Members...)
		out[name] = &clone
	}
	return out, nil
}

func (f *fakeMetadata) set(topology map[string]*ManagedReplicaSet, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topology = topology
	f.err = err
}

var (
	uuidP  = uuid.NewString()
	uuidS1 = uuid.NewString()
	uuidS2 = uuid.NewString()
)

func healthyTopology() map[string]*ManagedReplicaSet {
	return map[string]*ManagedReplicaSet{
		"rs": {
			Name:              "rs",
			SinglePrimaryMode: true,
			Status:            StatusAvailableWritable,
			Members: []ManagedInstance{
				{ReplicasetName: "rs", ServerUUID: uuidP, Host: "p", ClassicPort: 3306, Mode: ModeReadWrite},
				{ReplicasetName: "rs", ServerUUID: uuidS1, Host: "s1", ClassicPort: 3306, Mode: ModeReadOnly},
				{ReplicasetName: "rs", ServerUUID: uuidS2, Host: "s2", ClassicPort: 3306, Mode: ModeReadOnly},
			},
		},
	}
}

func primarylessTopology() map[string]*ManagedReplicaSet {
	topo := healthyTopology()
	topo["rs"].Members[0].Mode = ModeUnavailable
	topo["rs"].Status = StatusAvailableReadOnly
	return topo
}

// newTestCache builds a cache with a long TTL so the background loop stays
// out of the way; tests drive refresh() directly.
func newTestCache(t *testing.T, meta *fakeMetadata) *MetadataCache {
	t.Helper()
	c := newMetadataCache(
		[]netutil.TCPAddress{{Addr: "bootstrap", Port: 32275}},
		meta, time.Hour, "testcluster")
	t.Cleanup(c.Stop)
	return c
}

func TestLookupReturnsSnapshotInMetadataOrder(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	c := newTestCache(t, meta)

	members := c.LookupReplicaset("rs")
	var got []string
	for _, m := range members {
		got = append(got, m.Host+"/"+m.Mode.String())
	}
	want := []string{"p/RW", "s1/RO", "s2/RO"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
}

func TestLookupUnknownReplicasetIsEmptyNotError(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	c := newTestCache(t, meta)

	assert.Equal(t, len(c.LookupReplicaset("nope")), 0)
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	c := newTestCache(t, meta)
	assert.Equal(t, len(c.LookupReplicaset("rs")), 3)

	meta.set(nil, metadataErrorf("query failed"))
	if err := c.refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	assert.Equal(t, len(c.LookupReplicaset("rs")), 3)
}

func TestMissingPrimaryAcceleratesRefresh(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(primarylessTopology(), nil)
	c := newTestCache(t, meta)
	assert.Equal(t, c.isAccelerated(), true)

	// A new primary switches back to the regular cadence.
	meta.set(healthyTopology(), nil)
	assert.NilError(t, c.refresh())
	assert.Equal(t, c.isAccelerated(), false)
}

func TestMarkPrimaryUnreachableAccelerates(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	c := newTestCache(t, meta)
	assert.Equal(t, c.isAccelerated(), false)

	// Hints about secondaries do not change the cadence.
	c.MarkInstanceReachability(uuidS1, InstanceUnreachable)
	assert.Equal(t, c.isAccelerated(), false)

	c.MarkInstanceReachability(uuidP, InstanceUnreachable)
	assert.Equal(t, c.isAccelerated(), true)
}

func TestWaitPrimaryFailover(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(primarylessTopology(), nil)
	c := newTestCache(t, meta)

	// Without a primary the wait times out.
	assert.Equal(t, c.WaitPrimaryFailover("rs", 50*time.Millisecond), false)

	done := make(chan bool, 1)
	go func() {
		done <- c.WaitPrimaryFailover("rs", 5*time.Second)
	}()
	meta.set(healthyTopology(), nil)
	assert.NilError(t, c.refresh())

	select {
	case ok := <-done:
		assert.Equal(t, ok, true)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitPrimaryFailover did not observe the new primary")
	}
}

func TestBootstrapServersRotateAfterRefresh(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	c := newTestCache(t, meta)

	var got []string
	for _, s := range c.servers() {
		got = append(got, s.String())
	}
	want := []string{"p:3306", "s1:3306", "s2:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata servers (-want +got):\n%s", diff)
	}
}

func TestCacheRegistry(t *testing.T) {
	meta := &fakeMetadata{}
	meta.set(healthyTopology(), nil)
	assert.NilError(t, initCacheWithMetadata("reg-test",
		[]netutil.TCPAddress{{Addr: "bootstrap", Port: 32275}},
		meta, time.Hour, "testcluster"))
	defer TeardownCache("reg-test")

	err := initCacheWithMetadata("reg-test", nil, meta, time.Hour, "")
	if err == nil {
		t.Fatal("expected duplicate cache name to fail")
	}

	members, err := LookupReplicaset("reg-test", "rs")
	assert.NilError(t, err)
	assert.Equal(t, len(members), 3)

	_, err = LookupReplicaset("unknown-cache", "rs")
	if err == nil {
		t.Fatal("expected unknown cache to fail")
	}
}
