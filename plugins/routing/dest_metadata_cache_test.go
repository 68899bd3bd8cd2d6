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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/GoogleCloudPlatform/mysql-router/internal/uri"
	"github.com/GoogleCloudPlatform/mysql-router/plugins/metadatacache"
)

func testTopology() []metadatacache.ManagedInstance {
	return []metadatacache.ManagedInstance{
		{ServerUUID: "uuid-p", Host: "p", ClassicPort: 3306, XPort: 33060, Mode: metadatacache.ModeReadWrite},
		{ServerUUID: "uuid-s1", Host: "s1", ClassicPort: 3306, XPort: 33060, Mode: metadatacache.ModeReadOnly},
		{ServerUUID: "uuid-s2", Host: "s2", ClassicPort: 3306, XPort: 33060, Mode: metadatacache.ModeReadOnly},
	}
}

// newCacheDest builds a metadata-cache destination against a synthetic
// topology and fake backends.
func newCacheDest(t *testing.T, destURI string, cfg *RoutingConfig, members []metadatacache.ManagedInstance, backends *fakeBackends) *DestMetadataCacheGroup {
	t.Helper()
	u, err := uri.Parse(destURI)
	assert.NilError(t, err)
	d, err := newDestMetadataCacheGroup(u, cfg)
	assert.NilError(t, err)
	d.lookup = func(cache, rs string) ([]metadatacache.ManagedInstance, error) {
		return append([]metadatacache.ManagedInstance(nil), members...), nil
	}
	d.mark = func(cache, uuid string, status metadatacache.InstanceStatus) {}
	d.dial = backends.dial
	return d
}

func strategyConfig(strategy RoutingStrategy) *RoutingConfig {
	return &RoutingConfig{Strategy: strategy, Protocol: "classic"}
}

func modeConfig(mode AccessMode) *RoutingConfig {
	return &RoutingConfig{Mode: mode, Protocol: "classic"}
}

func picks(t *testing.T, d Destination, n int) []string {
	t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		out = append(out, pick(t, d))
	}
	return out
}

func TestRoleSecondaryRoundRobin(t *testing.T) {
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=SECONDARY",
		strategyConfig(StrategyRoundRobin), testTopology(), backends)

	got := picks(t, d, 4)
	want := []string{"s1:3306", "s2:3306", "s1:3306", "s2:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selection (-want +got):\n%s", diff)
	}
}

func TestRolePrimary(t *testing.T) {
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=PRIMARY",
		strategyConfig(StrategyRoundRobin), testTopology(), backends)

	got := picks(t, d, 3)
	want := []string{"p:3306", "p:3306", "p:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selection (-want +got):\n%s", diff)
	}
}

func TestRolePrimaryAndSecondary(t *testing.T) {
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=PRIMARY_AND_SECONDARY",
		strategyConfig(StrategyRoundRobin), testTopology(), backends)

	got := picks(t, d, 4)
	want := []string{"p:3306", "s1:3306", "s2:3306", "p:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selection (-want +got):\n%s", diff)
	}
}

func TestUnavailableMembersAreDropped(t *testing.T) {
	members := testTopology()
	members[1].Mode = metadatacache.ModeUnavailable
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=SECONDARY",
		strategyConfig(StrategyRoundRobin), members, backends)

	got := picks(t, d, 2)
	want := []string{"s2:3306", "s2:3306"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selection (-want +got):\n%s", diff)
	}
}

func TestRoundRobinWithFallbackUsesPrimaries(t *testing.T) {
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=SECONDARY",
		strategyConfig(StrategyRoundRobinWithFallback), testTopology(), backends)

	assert.Equal(t, pick(t, d), "s1:3306")
	assert.Equal(t, pick(t, d), "s2:3306")

	// Both secondaries refusing connections sends reads to the primary.
	backends.setDown("s1:3306", true)
	backends.setDown("s2:3306", true)
	assert.Equal(t, pick(t, d), "p:3306")
}

func TestAllowPrimaryReadsPromotion(t *testing.T) {
	members := testTopology()
	members[1].Mode = metadatacache.ModeUnavailable
	members[2].Mode = metadatacache.ModeUnavailable
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs?role=SECONDARY&allow_primary_reads=yes",
		modeConfig(ModeReadOnly), members, backends)

	assert.Equal(t, pick(t, d), "p:3306")
}

func TestModeReadWritePinsPrimary(t *testing.T) {
	backends := newFakeBackends()
	d := newCacheDest(t, "metadata-cache://c/rs",
		modeConfig(ModeReadWrite), testTopology(), backends)

	assert.Equal(t, d.Strategy, StrategyNextAvailable)
	assert.Equal(t, d.Role, RolePrimary)
	assert.Equal(t, pick(t, d), "p:3306")
	assert.Equal(t, pick(t, d), "p:3306")
}

func TestXProtocolUsesXPort(t *testing.T) {
	backends := newFakeBackends()
	cfg := &RoutingConfig{Strategy: StrategyRoundRobin, Protocol: "x"}
	d := newCacheDest(t, "metadata-cache://c/rs?role=PRIMARY", cfg, testTopology(), backends)

	assert.Equal(t, pick(t, d), "p:33060")
}

func TestDestinationURIValidation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		uri     string
		cfg     *RoutingConfig
		wantErr string
	}{
		{
			name:    "unknown query parameter",
			uri:     "metadata-cache://c/rs?role=PRIMARY&shiny=yes",
			cfg:     strategyConfig(StrategyRoundRobin),
			wantErr: "unsupported URI parameter",
		},
		{
			name:    "bad role",
			uri:     "metadata-cache://c/rs?role=TERTIARY",
			cfg:     strategyConfig(StrategyRoundRobin),
			wantErr: "PRIMARY, SECONDARY, PRIMARY_AND_SECONDARY",
		},
		{
			name:    "allow_primary_reads with routing_strategy",
			uri:     "metadata-cache://c/rs?role=SECONDARY&allow_primary_reads=yes",
			cfg:     strategyConfig(StrategyRoundRobin),
			wantErr: "allow_primary_reads",
		},
		{
			name:    "allow_primary_reads with wrong role",
			uri:     "metadata-cache://c/rs?role=PRIMARY&allow_primary_reads=yes",
			cfg:     modeConfig(ModeReadOnly),
			wantErr: "role=SECONDARY",
		},
		{
			name:    "strategy without role",
			uri:     "metadata-cache://c/rs",
			cfg:     strategyConfig(StrategyRoundRobin),
			wantErr: "role",
		},
		{
			name:    "fallback with primary role",
			uri:     "metadata-cache://c/rs?role=PRIMARY",
			cfg:     strategyConfig(StrategyRoundRobinWithFallback),
			wantErr: "round-robin-with-fallback",
		},
		{
			name:    "missing replicaset",
			uri:     "metadata-cache://c",
			cfg:     strategyConfig(StrategyRoundRobin),
			wantErr: "metadata-cache://<cache>/<replicaset>",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u, err := uri.Parse(tc.uri)
			assert.NilError(t, err)
			_, err = newDestMetadataCacheGroup(u, tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
