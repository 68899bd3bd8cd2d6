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

// Package routing accepts MySQL client connections on a listening port and
// relays each one to a backend chosen by the configured destination
// strategy.
package routing

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/mysql-router/internal/logs"
	"github.com/GoogleCloudPlatform/mysql-router/internal/metricring"
	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
	"github.com/GoogleCloudPlatform/mysql-router/internal/set"
	"github.com/GoogleCloudPlatform/mysql-router/internal/uri"
	"github.com/GoogleCloudPlatform/mysql-router/plugins/routing/protocol"
)

const (
	// maxConnectionsLogInterval rate-limits the admission warning.
	maxConnectionsLogInterval = 10 * time.Second

	// quarantineCleanupInterval paces the background quarantine probing.
	quarantineCleanupInterval = 10 * time.Second

	// transferSampleRingSize bounds the per-service transfer history.
	transferSampleRingSize = 1024
)

// MySQLRouting is one routing service: a listening socket plus the
// destination and relay machinery behind it.
type MySQLRouting struct {
	name  string
	cfg   *RoutingConfig
	proto protocol.Protocol
	dest  Destination

	listenerMu sync.Mutex
	listener   net.Listener
	stopping   atomic.Bool

	activeRoutes  atomic.Int64
	handledRoutes atomic.Int64
	bytesUp       atomic.Uint64
	bytesDown     atomic.Uint64
	transfers     *metricring.Ring

	lastMaxConnWarning atomic.Int64

	// blockedMu guards the per-host connect error accounting.
	blockedMu  sync.Mutex
	connErrors map[string]uint32
	blocked    set.Set[string]
}

// NewMySQLRouting builds a routing service from a validated configuration,
// resolving the destinations option into a destination object.
func NewMySQLRouting(cfg *RoutingConfig) (*MySQLRouting, error) {
	proto, err := protocol.Get(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	r := &MySQLRouting{
		name:       cfg.Name,
		cfg:        cfg,
		proto:      proto,
		transfers:  metricring.New(transferSampleRingSize),
		connErrors: map[string]uint32{},
		blocked:    set.Set[string]{},
	}
	if err := r.setDestinations(cfg.Destinations); err != nil {
		return nil, err
	}
	return r, nil
}

// setDestinations resolves the destinations option: either a
// metadata-cache URI or a comma-separated address list.
func (r *MySQLRouting) setDestinations(destinations string) error {
	if strings.Contains(destinations, "://") {
		u, err := uri.Parse(strings.TrimSpace(destinations))
		if err != nil {
			return err
		}
		dest, err := newDestMetadataCacheGroup(u, r.cfg)
		if err != nil {
			return err
		}
		r.dest = dest
		return nil
	}

	addrs, err := parseDestinationsCSV(destinations, r.cfg.BindAddress)
	if err != nil {
		return err
	}
	base := NewRouteDestination(addrs...)

	strategy := r.cfg.Strategy
	if strategy == StrategyUndefined {
		// The legacy modes map onto fixed strategies.
		if r.cfg.Mode == ModeReadWrite {
			strategy = StrategyNextAvailable
		} else {
			strategy = StrategyRoundRobin
		}
	}
	switch strategy {
	case StrategyNextAvailable:
		r.dest = NewDestNextAvailable(base)
	case StrategyRoundRobin:
		r.dest = NewDestRoundRobin(base)
	case StrategyFirstAvailable:
		r.dest = NewDestFirstAvailable(base)
	default:
		return fmt.Errorf(
			"routing strategy %s is not valid for a static destinations list", strategy)
	}
	return nil
}

// Destination exposes the resolved destination, mainly for tests.
func (r *MySQLRouting) Destination() Destination {
	return r.dest
}

// BindAddress returns the address the service listens on; the port is
// resolved once the listener is up, which matters for port-0 test setups.
func (r *MySQLRouting) BindAddress() netutil.TCPAddress {
	if l := r.getListener(); l != nil {
		if tcp, ok := l.Addr().(*net.TCPAddr); ok {
			return netutil.TCPAddress{Addr: r.cfg.BindAddress.Addr, Port: uint16(tcp.Port)}
		}
	}
	return r.cfg.BindAddress
}

func (r *MySQLRouting) getListener() net.Listener {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	return r.listener
}

func (r *MySQLRouting) setListener(l net.Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listener = l
}

// setupService resolves the bind address family-agnostically and binds the
// first candidate that accepts the listener.
func (r *MySQLRouting) setupService() error {
	bind := r.cfg.BindAddress
	hosts := []string{bind.Addr}
	if bind.Family() == netutil.FamilyHostname {
		resolved, err := net.LookupHost(bind.Addr)
		if err != nil {
			return fmt.Errorf("failed getting address information for %s: %w", bind.Addr, err)
		}
		hosts = resolved
	}
	var lastErr error
	for _, host := range hosts {
		addr := netutil.TCPAddress{Addr: host, Port: bind.Port}
		listener, err := net.Listen("tcp", addr.HostPort())
		if err != nil {
			lastErr = err
			continue
		}
		r.setListener(listener)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable address")
	}
	return fmt.Errorf("failed to setup server socket on %s: %w", bind, lastErr)
}

// Start binds the listener and runs the accept loop until Stop. Each
// accepted connection is handed to its own goroutine.
func (r *MySQLRouting) Start() error {
	if err := r.setupService(); err != nil {
		return fmt.Errorf("setting up service using %s: %w", r.cfg.BindAddress, err)
	}
	what := "routing strategy " + r.cfg.Strategy.String()
	if r.cfg.Strategy == StrategyUndefined {
		what = r.cfg.Mode.String()
	}
	logs.Infof("%s started: listening on %s; %s", r.name, r.BindAddress(), what)

	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go r.quarantineCleanupLoop(stopCleanup)

	listener := r.getListener()
	for !r.stopping.Load() {
		client, err := listener.Accept()
		if err != nil {
			if r.stopping.Load() {
				break
			}
			logs.Errorf("%s accept failed: %v", r.name, err)
			continue
		}
		if r.activeRoutes.Load() >= int64(r.cfg.MaxConnections) {
			client.Close()
			r.warnMaxConnections()
			continue
		}
		host := netutil.PeerHost(client)
		if r.isBlocked(host) {
			client.Close()
			continue
		}
		netutil.SetNoDelay(client)
		r.activeRoutes.Add(1)
		r.handledRoutes.Add(1)
		go func() {
			defer r.activeRoutes.Add(-1)
			r.routeConnection(client)
		}()
	}

	logs.Infof("%s stopped", r.name)
	return nil
}

// Stop makes the accept loop exit by closing the listening socket. Active
// connections keep running until their own timeout or close.
func (r *MySQLRouting) Stop() {
	r.stopping.Store(true)
	if l := r.getListener(); l != nil {
		l.Close()
	}
}

func (r *MySQLRouting) warnMaxConnections() {
	now := time.Now().UnixNano()
	last := r.lastMaxConnWarning.Load()
	if now-last < int64(maxConnectionsLogInterval) {
		return
	}
	if r.lastMaxConnWarning.CompareAndSwap(last, now) {
		logs.Warningf("%s reached max active connections (%d)", r.name, r.cfg.MaxConnections)
	}
}

func (r *MySQLRouting) quarantineCleanupLoop(stop <-chan struct{}) {
	base, ok := quarantineHolder(r.dest)
	if !ok {
		return
	}
	ticker := time.NewTicker(quarantineCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			base.CleanupQuarantine()
		}
	}
}

func quarantineHolder(d Destination) (*RouteDestination, bool) {
	switch v := d.(type) {
	case *DestNextAvailable:
		return v.RouteDestination, true
	case *DestRoundRobin:
		return v.RouteDestination, true
	case *DestFirstAvailable:
		return v.RouteDestination, true
	}
	return nil, false
}

// routeConnection connects the backend and runs the relay for one client.
func (r *MySQLRouting) routeConnection(client net.Conn) {
	defer client.Close()
	host := netutil.PeerHost(client)

	server, err := r.dest.GetServerSocket(time.Duration(r.cfg.ConnectTimeout) * time.Second)
	if err != nil {
		logs.Warningf("%s no backend available for %s: %v", r.name, host, err)
		r.proto.SendError(client, 2003,
			fmt.Sprintf("Can't connect to remote MySQL server for client '%s'", client.RemoteAddr()),
			"HY000")
		return
	}
	defer server.Close()
	netutil.SetNoDelay(server)

	logs.Infof("%s [%s] - [%s]", r.name, client.RemoteAddr(), server.RemoteAddr())

	up, down, handshakeDone, err := protocol.Relay(client, server, r.proto,
		time.Duration(r.cfg.WaitTimeout)*time.Second,
		time.Duration(r.cfg.ClientConnectTimeout)*time.Second)

	r.bytesUp.Add(up)
	r.bytesDown.Add(down)
	r.transfers.Add(metricring.Sample{BytesUp: up, BytesDown: down})

	extra := ""
	switch {
	case err == protocol.ErrWaitTimeout:
		extra = fmt.Sprintf(" Wait timeout reached (%d)", r.cfg.WaitTimeout)
	case err != nil:
		extra = " " + err.Error()
	}
	logs.Debugf("%s routing stopped (up:%db;down:%db)%s", r.name, up, down, extra)

	if !handshakeDone {
		r.recordConnectionError(host)
	}
}

// recordConnectionError counts a failed handshake against the client host;
// crossing max_connect_errors blocks the host and performs the
// protocol-specific server notification so the server's own error counter
// stays flat.
func (r *MySQLRouting) recordConnectionError(host string) {
	r.blockedMu.Lock()
	r.connErrors[host]++
	count := r.connErrors[host]
	cross := count == r.cfg.MaxConnectErrors && !r.blocked.Contains(host)
	if cross {
		r.blocked.Add(host)
	}
	r.blockedMu.Unlock()

	if !cross {
		return
	}
	logs.Warningf("%s blocking client host %s after %d connection errors", r.name, host, count)
	server, err := r.dest.GetServerSocket(time.Duration(r.cfg.ConnectTimeout) * time.Second)
	if err != nil {
		return
	}
	defer server.Close()
	r.proto.OnBlockClientHost(server)
}

func (r *MySQLRouting) isBlocked(host string) bool {
	r.blockedMu.Lock()
	defer r.blockedMu.Unlock()
	return r.blocked.Contains(host)
}

// Totals reports the summed transfer counters of finished connections; a
// connection's bytes are added when its relay ends.
func (r *MySQLRouting) Totals() (bytesUp, bytesDown uint64) {
	return r.bytesUp.Load(), r.bytesDown.Load()
}

// ActiveRoutes reports the currently relayed connections.
func (r *MySQLRouting) ActiveRoutes() int64 {
	return r.activeRoutes.Load()
}

// HandledRoutes reports the total accepted connections.
func (r *MySQLRouting) HandledRoutes() int64 {
	return r.handledRoutes.Load()
}
