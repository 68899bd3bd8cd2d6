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
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/GoogleCloudPlatform/mysql-router/internal/netutil"
)

// testBackend is a TCP listener that records every accepted connection.
type testBackend struct {
	name     string
	listener net.Listener
	accepts  chan string
	stop     chan struct{}
}

func newTestBackend(t *testing.T, name string, accepts chan string) *testBackend {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	b := &testBackend{
		name:     name,
		listener: listener,
		accepts:  accepts,
		stop:     make(chan struct{}),
	}
	go b.acceptLoop()
	t.Cleanup(b.close)
	return b
}

func (b *testBackend) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		select {
		case b.accepts <- b.name:
		case <-b.stop:
		}
		// Hold the connection open until the client goes away.
		go func(c net.Conn) {
			buf := make([]byte, 256)
			for {
				if _, err := c.Read(buf); err != nil {
					c.Close()
					return
				}
			}
		}(conn)
	}
}

func (b *testBackend) addr(t *testing.T) netutil.TCPAddress {
	t.Helper()
	tcp := b.listener.Addr().(*net.TCPAddr)
	return netutil.TCPAddress{Addr: "127.0.0.1", Port: uint16(tcp.Port)}
}

func (b *testBackend) close() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.listener.Close()
}

// startRouting runs a routing service on an ephemeral port and returns its
// address.
func startRouting(t *testing.T, cfg *RoutingConfig) (*MySQLRouting, string) {
	t.Helper()
	r, err := NewMySQLRouting(cfg)
	assert.NilError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("routing service did not stop")
		}
	})

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		addr := r.BindAddress()
		if addr.Port != 0 {
			conn, err := net.DialTimeout("tcp", addr.HostPort(), time.Second)
			if err == nil {
				conn.Close()
				// The probe connection counts as one accept; callers
				// drain the corresponding backend accept themselves.
				return r, addr.HostPort()
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("routing service never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func routingConfig(bindPort uint16, destinations, mode string) *RoutingConfig {
	cfg := &RoutingConfig{
		Name:                 "routing:test",
		BindAddress:          netutil.TCPAddress{Addr: "127.0.0.1", Port: bindPort},
		Destinations:         destinations,
		ConnectTimeout:       1,
		WaitTimeout:          1,
		MaxConnections:       64,
		ClientConnectTimeout: 9,
		MaxConnectErrors:     100,
		Protocol:             "classic",
	}
	switch mode {
	case "read-only":
		cfg.Mode = ModeReadOnly
	case "read-write":
		cfg.Mode = ModeReadWrite
	}
	return cfg
}

func nextAccept(t *testing.T, accepts chan string) string {
	t.Helper()
	select {
	case name := <-accepts:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("no backend saw the connection")
		return ""
	}
}

func drainAccepts(accepts chan string) {
	for {
		select {
		case <-accepts:
		default:
			return
		}
	}
}

func TestRoundRobinAcrossThreeBackends(t *testing.T) {
	accepts := make(chan string, 16)
	b1 := newTestBackend(t, "b1", accepts)
	b2 := newTestBackend(t, "b2", accepts)
	b3 := newTestBackend(t, "b3", accepts)

	destinations := strings.Join([]string{
		b1.addr(t).String(), b2.addr(t).String(), b3.addr(t).String(),
	}, ",")
	cfg := routingConfig(0, destinations, "read-only")
	_, addr := startRouting(t, cfg)
	// The readiness probe itself reached one backend.
	nextAccept(t, accepts)
	drainAccepts(accepts)

	var got []string
	for i := 0; i < 4; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		assert.NilError(t, err)
		got = append(got, nextAccept(t, accepts))
		conn.Close()
	}

	// Sequential connects walk the backends in order and wrap around.
	want := []string{"b2", "b3", "b1", "b2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backend order (-want +got):\n%s", diff)
	}
}

func TestReadWriteFailover(t *testing.T) {
	accepts := make(chan string, 16)
	b1 := newTestBackend(t, "b1", accepts)
	b2 := newTestBackend(t, "b2", accepts)

	destinations := b1.addr(t).String() + "," + b2.addr(t).String()
	cfg := routingConfig(0, destinations, "read-write")
	_, addr := startRouting(t, cfg)
	nextAccept(t, accepts)
	drainAccepts(accepts)

	connect := func() string {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		assert.NilError(t, err)
		defer conn.Close()
		return nextAccept(t, accepts)
	}

	// With b1 alive all connects go to b1.
	assert.Equal(t, connect(), "b1")
	assert.Equal(t, connect(), "b1")

	// Kill b1: the next connect fails over to b2 and stays there.
	b1.close()
	assert.Equal(t, connect(), "b2")

	// Reviving b1 does not pull traffic back.
	b1r := newTestBackend(t, "b1-revived", accepts)
	_ = b1r
	assert.Equal(t, connect(), "b2")
}

func TestMaxConnectionsAdmission(t *testing.T) {
	accepts := make(chan string, 16)
	b1 := newTestBackend(t, "b1", accepts)

	cfg := routingConfig(0, b1.addr(t).String(), "read-only")
	cfg.MaxConnections = 1
	cfg.WaitTimeout = 2
	r, addr := startRouting(t, cfg)
	nextAccept(t, accepts)
	drainAccepts(accepts)

	// Let the readiness probe's connection drain from the active count.
	deadline0 := time.Now().Add(5 * time.Second)
	for r.ActiveRoutes() != 0 {
		if time.Now().After(deadline0) {
			t.Fatal("probe connection never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}

	first, err := net.DialTimeout("tcp", addr, time.Second)
	assert.NilError(t, err)
	defer first.Close()
	nextAccept(t, accepts)

	// Wait until the first connection is counted as active.
	deadline := time.Now().Add(5 * time.Second)
	for r.ActiveRoutes() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first connection never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next connection is rejected at admission: the router closes it
	// without touching a backend.
	second, err := net.DialTimeout("tcp", addr, time.Second)
	assert.NilError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the admission-rejected connection to be closed")
	}
}

func TestServerConnectFailureSendsClassicError(t *testing.T) {
	// A destination nobody listens on.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	deadAddr := fmt.Sprintf("127.0.0.1:%d", dead.Addr().(*net.TCPAddr).Port)
	dead.Close()

	cfg := routingConfig(0, deadAddr, "read-only")
	r, err2 := NewMySQLRouting(cfg)
	assert.NilError(t, err2)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()
	defer func() {
		r.Stop()
		<-errCh
	}()

	deadline := time.Now().Add(5 * time.Second)
	var conn net.Conn
	for {
		if r.BindAddress().Port != 0 {
			c, err := net.DialTimeout("tcp", r.BindAddress().HostPort(), time.Second)
			if err == nil {
				conn = c
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("routing service never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	// The router answers with a classic ERR packet when no backend is
	// reachable.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, 4)
	_, err = io.ReadFull(conn, header)
	assert.NilError(t, err)
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(conn, payload)
	assert.NilError(t, err)
	assert.Equal(t, payload[0], byte(0xff))
}

func TestStopClosesListener(t *testing.T) {
	accepts := make(chan string, 16)
	b1 := newTestBackend(t, "b1", accepts)

	cfg := routingConfig(0, b1.addr(t).String(), "read-only")
	r, err := NewMySQLRouting(cfg)
	assert.NilError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()

	deadline := time.Now().Add(5 * time.Second)
	for r.BindAddress().Port == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.Stop()
	select {
	case err := <-errCh:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit after Stop")
	}
}
