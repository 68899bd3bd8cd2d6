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

// Package metadatacache learns the InnoDB Cluster topology from the
// server-side metadata tables, keeps it fresh by probing the live
// group-replication state, and exposes a thread-safe lookup surface to the
// routing plugins through a process-wide registry of named caches.
package metadatacache

import "fmt"

// ServerMode says what traffic an instance can take right now.
type ServerMode int

const (
	ModeUnavailable ServerMode = iota
	ModeReadWrite
	ModeReadOnly
)

func (m ServerMode) String() string {
	switch m {
	case ModeReadWrite:
		return "RW"
	case ModeReadOnly:
		return "RO"
	}
	return "n/a"
}

// InstanceStatus is the reachability hint the dataplane reports back.
type InstanceStatus int

const (
	InstanceReachable InstanceStatus = iota
	InstanceInvalidHost
	InstanceUnreachable
	InstanceUnusable
)

// ReplicasetStatus summarizes the health of a whole replicaset.
type ReplicasetStatus int

const (
	StatusUnavailable ReplicasetStatus = iota
	StatusAvailableWritable
	StatusAvailableReadOnly
	StatusPartitioned
)

// ManagedInstance is one server of a managed replicaset.
type ManagedInstance struct {
	ReplicasetName string
	ServerUUID     string
	Role           string
	Mode           ServerMode
	Weight         float64
	VersionToken   uint32
	Location       string
	Host           string
	ClassicPort    uint16
	XPort          uint16
}

// ManagedReplicaSet is a replicaset and its member list as of one refresh.
type ManagedReplicaSet struct {
	Name              string
	Members           []ManagedInstance
	SinglePrimaryMode bool
	Status            ReplicasetStatus
}

// groupMemberState is the live state from
// performance_schema.replication_group_members.
type groupMemberState int

const (
	memberStateOther groupMemberState = iota
	memberStateOnline
	memberStateRecovering
	memberStateUnreachable
	memberStateOffline
)

type groupMemberRole int

const (
	memberRoleSecondary groupMemberRole = iota
	memberRolePrimary
)

// groupReplicationMember is one row of the live GR status probe.
type groupReplicationMember struct {
	memberID string
	host     string
	port     uint16
	state    groupMemberState
	role     groupMemberRole
}

// MetadataError reports a failed refresh cycle; the previous topology
// snapshot stays in place.
type MetadataError struct {
	Msg string
}

func (e *MetadataError) Error() string { return e.Msg }

func metadataErrorf(format string, v ...any) *MetadataError {
	return &MetadataError{Msg: fmt.Sprintf(format, v...)}
}
