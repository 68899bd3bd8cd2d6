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

	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
	"github.com/GoogleCloudPlatform/mysql-router/internal/secret"
)

// The process-wide registry of named caches. A [metadata_cache:<name>]
// section installs one at init; routing destinations look it up by name.
var (
	cachesMu sync.Mutex
	caches   = map[string]*MetadataCache{}
)

const (
	DefaultMetadataPort = uint16(32275)
	DefaultMetadataTTL  = 5 * 60 * time.Second
	// DefaultMetadataCluster empty means single-cluster mode: pick the
	// first (and only) cluster.
	DefaultMetadataCluster = ""

	defaultConnectTimeout  = 5 * time.Second
	defaultConnectAttempts = 1
)

// InitCache creates and installs a named cache. The cache performs one
// synchronous refresh before this returns.
func InitCache(name string, bootstrapServers []netutil.TCPAddress, user string,
	password secret.String, ttl time.Duration, clusterName string) error {
	meta := newClusterMetadata(user, password, defaultConnectTimeout, defaultConnectAttempts)
	return initCacheWithMetadata(name, bootstrapServers, meta, ttl, clusterName)
}

func initCacheWithMetadata(name string, bootstrapServers []netutil.TCPAddress,
	meta metadata, ttl time.Duration, clusterName string) error {
	cachesMu.Lock()
	defer cachesMu.Unlock()
	if _, ok := caches[name]; ok {
		return metadataErrorf("metadata cache '%s' already initialized", name)
	}
	caches[name] = newMetadataCache(bootstrapServers, meta, ttl, clusterName)
	return nil
}

// TeardownCache stops and removes a named cache.
func TeardownCache(name string) {
	cachesMu.Lock()
	cache, ok := caches[name]
	delete(caches, name)
	cachesMu.Unlock()
	if ok {
		cache.Stop()
	}
}

// GetCache returns the named cache.
func GetCache(name string) (*MetadataCache, error) {
	cachesMu.Lock()
	defer cachesMu.Unlock()
	cache, ok := caches[name]
	if !ok {
		return nil, metadataErrorf("metadata cache '%s' not initialized", name)
	}
	return cache, nil
}

// LookupReplicaset looks a replicaset up in the named cache.
func LookupReplicaset(cacheName, replicasetName string) ([]ManagedInstance, error) {
	cache, err := GetCache(cacheName)
	if err != nil {
		return nil, err
	}
	return cache.LookupReplicaset(replicasetName), nil
}

// MarkInstanceReachability forwards a dataplane reachability hint to the
// named cache.
func MarkInstanceReachability(cacheName, uuid string, status InstanceStatus) {
	cache, err := GetCache(cacheName)
	if err != nil {
		return
	}
	cache.MarkInstanceReachability(uuid, status)
}
