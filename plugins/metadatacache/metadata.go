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
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gosqlmysql "github.com/go-sql-driver/mysql"

	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
	"github.com/GoogleCloudPlatform/mysql-router/internal/secret"
)

// metadata abstracts access to the metadata servers so the cache logic can
// be tested against a fake.
type metadata interface {
	// Connect establishes a session to one of the servers, trying each in
	// order, and remembers the working address for reuse.
	Connect(servers []netutil.TCPAddress) error
	Disconnect()
	// FetchInstances reads the topology for the named cluster and merges
	// in the live group-replication state.
	FetchInstances(clusterName string) (map[string]*ManagedReplicaSet, error)
}

// catalogQuery joins the metadata schema tables into one row per instance.
// An empty cluster name selects every cluster: single-cluster mode.
const catalogQuery = "SELECT " +
	"R.replicaset_name, " +
	"I.mysql_server_uuid, " +
	"I.role, " +
	"I.weight, " +
	"I.version_token, " +
	"H.location, " +
	"I.addresses->>'$.mysqlClassic', " +
	"I.addresses->>'$.mysqlX' " +
	"FROM " +
	"mysql_innodb_cluster_metadata.clusters AS F " +
	"JOIN mysql_innodb_cluster_metadata.replicasets AS R " +
	"ON F.cluster_id = R.cluster_id " +
	"JOIN mysql_innodb_cluster_metadata.instances AS I " +
	"ON R.replicaset_id = I.replicaset_id " +
	"JOIN mysql_innodb_cluster_metadata.hosts AS H " +
	"ON I.host_id = H.host_id " +
	"WHERE F.cluster_name = ?"

const groupMembersQuery = "SELECT member_id, member_host, member_port, member_state, " +
	"@@group_replication_single_primary_mode " +
	"FROM performance_schema.replication_group_members " +
	"WHERE channel_name = 'group_replication_applier'"

const primaryMemberQuery = "SHOW STATUS LIKE 'group_replication_primary_member'"

// clusterMetadata talks to the metadata servers over the classic protocol.
type clusterMetadata struct {
	user           string
	password       secret.String
	connectTimeout time.Duration
	// connectAttempts bounds the retries per server during Connect.
	connectAttempts uint64

	db      *sql.DB
	address string
}

func newClusterMetadata(user string, password secret.String, connectTimeout time.Duration, connectAttempts uint64) *clusterMetadata {
	return &clusterMetadata{
		user:            user,
		password:        password,
		connectTimeout:  connectTimeout,
		connectAttempts: connectAttempts,
	}
}

func (m *clusterMetadata) dsn(addr string) string {
	cfg := gosqlmysql.NewConfig()
	cfg.User = m.user
	cfg.Passwd = m.password.SecretValue()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.Timeout = m.connectTimeout
	cfg.ReadTimeout = m.connectTimeout
	cfg.WriteTimeout = m.connectTimeout
	return cfg.FormatDSN()
}

// open dials one server, retrying with exponential backoff up to
// connectAttempts times.
func (m *clusterMetadata) open(addr string) (*sql.DB, error) {
	var db *sql.DB
	operation := func() error {
		var err error
		db, err = sql.Open("mysql", m.dsn(addr))
		if err != nil {
			return err
		}
		if err = db.Ping(); err != nil {
			db.Close()
			return err
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.connectAttempts)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return db, nil
}

func (m *clusterMetadata) Connect(servers []netutil.TCPAddress) error {
	if m.db != nil {
		// Reuse the session as long as it still answers.
		if err := m.db.Ping(); err == nil {
			return nil
		}
		m.Disconnect()
	}
	for _, server := range servers {
		host := server.Addr
		if host == "localhost" {
			host = "127.0.0.1"
		}
		addr := netutil.TCPAddress{Addr: host, Port: server.Port}.HostPort()
		db, err := m.open(addr)
		if err != nil {
			logs.Debugf("failed connecting to metadata server %s: %v", addr, err)
			continue
		}
		m.db = db
		m.address = addr
		return nil
	}
	return metadataErrorf("unable to connect to any metadata server")
}

func (m *clusterMetadata) Disconnect() {
	if m.db != nil {
		m.db.Close()
	}
	m.db = nil
	m.address = ""
}

func (m *clusterMetadata) FetchInstances(clusterName string) (map[string]*ManagedReplicaSet, error) {
	if m.db == nil {
		return nil, metadataErrorf("not connected to a metadata server")
	}
	topology, err := m.fetchInstancesFromMetadataServer(clusterName)
	if err != nil {
		return nil, err
	}
	if len(topology) == 0 {
		return nil, metadataErrorf("no replicasets defined for cluster '%s'", clusterName)
	}
	for name, rs := range topology {
		if err := m.updateReplicasetStatus(name, rs); err != nil {
			return nil, err
		}
	}
	return topology, nil
}

func (m *clusterMetadata) fetchInstancesFromMetadataServer(clusterName string) (map[string]*ManagedReplicaSet, error) {
	query := catalogQuery
	args := []any{clusterName}
	if clusterName == "" {
		query = strings.TrimSuffix(catalogQuery, " WHERE F.cluster_name = ?")
		args = nil
	}
	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, metadataErrorf("query failed: %v", err)
	}
	defer rows.Close()

	topology := map[string]*ManagedReplicaSet{}
	for rows.Next() {
		var (
			rsName       string
			uuid         string
			role         string
			weight       sql.NullFloat64
			versionToken sql.NullInt64
			location     sql.NullString
			classicURI   string
			xURI         sql.NullString
		)
		if err := rows.Scan(&rsName, &uuid, &role, &weight, &versionToken,
			&location, &classicURI, &xURI); err != nil {
			return nil, metadataErrorf("unexpected result from metadata query: %v", err)
		}
		instance := ManagedInstance{
			ReplicasetName: rsName,
			ServerUUID:     uuid,
			Role:           role,
			Mode:           ModeUnavailable,
			Weight:         weight.Float64,
			VersionToken:   uint32(versionToken.Int64),
			Location:       location.String,
		}
		classic, err := netutil.SplitAddrPort(classicURI)
		if err != nil {
			return nil, metadataErrorf("invalid classic address '%s' for instance %s", classicURI, uuid)
		}
		if classic.Port == 0 {
			classic.Port = 3306
		}
		instance.Host = classic.Addr
		instance.ClassicPort = classic.Port
		// Without an X address the X port defaults to classic * 10.
		instance.XPort = classic.Port * 10
		if xURI.Valid && xURI.String != "" {
			if x, err := netutil.SplitAddrPort(xURI.String); err == nil && x.Port != 0 {
				instance.XPort = x.Port
			}
		}

		rs, ok := topology[rsName]
		if !ok {
			rs = &ManagedReplicaSet{Name: rsName}
			topology[rsName] = rs
		}
		rs.Members = append(rs.Members, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, metadataErrorf("fetching metadata rows: %v", err)
	}
	return topology, nil
}

// updateReplicasetStatus connects to a member of the replicaset (preferring
// the current metadata-server session when it is one) and merges the live
// group-replication state into the member list.
func (m *clusterMetadata) updateReplicasetStatus(name string, rs *ManagedReplicaSet) error {
	var db *sql.DB
	reuse := false
	for _, member := range rs.Members {
		host := member.Host
		if host == "localhost" {
			host = "127.0.0.1"
		}
		addr := netutil.TCPAddress{Addr: host, Port: member.ClassicPort}.HostPort()
		if addr == m.address {
			db = m.db
			reuse = true
			break
		}
	}
	if db == nil {
		for _, member := range rs.Members {
			candidate, err := m.open(netutil.TCPAddress{Addr: member.Host, Port: member.ClassicPort}.HostPort())
			if err != nil {
				continue
			}
			db = candidate
			break
		}
	}
	if db == nil {
		return metadataErrorf("could not establish a connection to replicaset '%s'", name)
	}
	if !reuse {
		defer db.Close()
	}

	members, singlePrimary, err := fetchGroupReplicationMembers(db)
	if err != nil {
		logs.Warningf("unable to fetch live group_replication member data for replicaset '%s'", name)
		return err
	}
	logs.Debugf("replicaset '%s' has %d members in metadata, %d in status table",
		name, len(rs.Members), len(members))
	rs.SinglePrimaryMode = singlePrimary
	rs.Status = checkReplicasetStatus(rs.Members, members)
	return nil
}

// fetchGroupReplicationMembers runs the primary probe and the member-state
// query against one connection and merges them into per-uuid roles.
func fetchGroupReplicationMembers(db *sql.DB) (map[string]groupReplicationMember, bool, error) {
	var primaryMember string
	row := db.QueryRow(primaryMemberQuery)
	var variableName string
	if err := row.Scan(&variableName, &primaryMember); err != nil && err != sql.ErrNoRows {
		return nil, false, metadataErrorf("query failed: %s: %v", primaryMemberQuery, err)
	}

	rows, err := db.Query(groupMembersQuery)
	if err != nil {
		return nil, false, metadataErrorf("query failed: %s: %v", groupMembersQuery, err)
	}
	defer rows.Close()

	members := map[string]groupReplicationMember{}
	singlePrimary := false
	for rows.Next() {
		var (
			memberID    string
			host        string
			port        uint16
			state       string
			singleValue string
		)
		if err := rows.Scan(&memberID, &host, &port, &state, &singleValue); err != nil {
			return nil, false, metadataErrorf("unexpected value in group_replication query results: %v", err)
		}
		singlePrimary = singleValue == "1" || strings.EqualFold(singleValue, "ON")
		member := groupReplicationMember{
			memberID: memberID,
			host:     host,
			port:     port,
		}
		switch state {
		case "ONLINE":
			member.state = memberStateOnline
		case "OFFLINE":
			member.state = memberStateOffline
		case "UNREACHABLE":
			member.state = memberStateUnreachable
		case "RECOVERING":
			member.state = memberStateRecovering
		default:
			logs.Infof("unknown state %s in replication_group_members table for %s", state, memberID)
			member.state = memberStateOther
		}
		if primaryMember == member.memberID || !singlePrimary {
			member.role = memberRolePrimary
		} else {
			member.role = memberRoleSecondary
		}
		members[memberID] = member
	}
	if err := rows.Err(); err != nil {
		return nil, false, metadataErrorf("fetching group_replication rows: %v", err)
	}
	return members, singlePrimary, nil
}

// checkReplicasetStatus merges the live member states into the metadata
// member list and derives the replicaset status. Members present in the
// metadata but absent from the live view become Unavailable.
func checkReplicasetStatus(instances []ManagedInstance, memberStatus map[string]groupReplicationMember) ReplicasetStatus {
	onlineCount := 0
	unreachableCount := 0
	for i := range instances {
		member := &instances[i]
		status, ok := memberStatus[member.ServerUUID]
		if !ok {
			member.Mode = ModeUnavailable
			logs.Warningf("member %s defined in metadata not found in actual replicaset", member.ServerUUID)
			continue
		}
		if status.role == memberRolePrimary {
			member.Mode = ModeReadWrite
		} else {
			member.Mode = ModeReadOnly
		}
		switch status.state {
		case memberStateOnline:
			onlineCount++
		case memberStateRecovering:
			member.Mode = ModeUnavailable
		case memberStateUnreachable:
			unreachableCount++
			member.Mode = ModeUnavailable
		case memberStateOffline, memberStateOther:
			member.Mode = ModeUnavailable
		}
	}

	switch {
	case onlineCount > 0 && unreachableCount == 0:
		// Writing to a group below quorum would block everything.
		if onlineCount < 2 {
			return StatusAvailableReadOnly
		}
		return StatusAvailableWritable
	case unreachableCount > 0 && onlineCount > 0:
		return StatusPartitioned
	default:
		return StatusUnavailable
	}
}
