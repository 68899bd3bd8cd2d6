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

// Package protocol implements the wire-level pass-through for the classic
// MySQL protocol and for X Protocol. The relay never parses query content;
// its protocol awareness is limited to packet framing and to detecting when
// the initial handshake completes (or switches to TLS, after which packets
// cannot be inspected).
package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// NetBufferLength is the minimum relay buffer; a handshake-phase message
// must fit in it.
const NetBufferLength = 16384

// ErrWaitTimeout reports that the relay saw no traffic in either direction
// for the configured wait timeout.
var ErrWaitTimeout = errors.New("wait timeout reached")

// RelayState tracks the handshake across both directions of one relayed
// connection.
type RelayState struct {
	mu sync.Mutex
	// pktNr is the last observed sequence id (classic protocol only).
	pktNr int
	// seenServerGreeting is set once the server's first packet passed.
	seenServerGreeting bool
	handshakeDone      bool
}

// HandshakeDone reports whether the handshake phase is over.
func (s *RelayState) HandshakeDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeDone
}

// Protocol is the per-wire-format behavior of the relay.
type Protocol interface {
	// Name is the value of the routing section's protocol option.
	Name() string
	// CopyPackets moves one read's worth of data from src to dst,
	// performing handshake tracking while state says the handshake is not
	// done. It returns the number of bytes forwarded.
	CopyPackets(src, dst net.Conn, buf []byte, state *RelayState, fromServer bool) (int, error)
	// SendError writes a protocol-level error message to conn.
	SendError(conn net.Conn, code uint16, message, sqlState string) error
	// OnBlockClientHost performs whatever the server needs when the router
	// refuses a blocked client, so the server's own error counter stays
	// flat.
	OnBlockClientHost(server net.Conn) error
}

// Get returns the protocol implementation for a routing section's protocol
// option value.
func Get(name string) (Protocol, error) {
	switch name {
	case "classic", "":
		return &Classic{}, nil
	case "x":
		return &XProtocol{}, nil
	}
	return nil, fmt.Errorf("invalid protocol name '%s'; valid are classic, x", name)
}

// Relay pumps bytes between client and server until either side closes,
// an error occurs, or waitTimeout passes without traffic in either
// direction. handshakeTimeout, when non-zero, bounds how long the
// handshake phase may take. It returns the per-direction byte counts and
// whether the handshake completed; err is ErrWaitTimeout for an idle
// shutdown and nil for an orderly close.
func Relay(client, server net.Conn, p Protocol, waitTimeout, handshakeTimeout time.Duration) (bytesUp, bytesDown uint64, handshakeDone bool, err error) {
	state := &RelayState{}
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			client.Close()
			server.Close()
		})
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	report := func(e error) {
		errMu.Lock()
		if firstErr == nil && e != nil && !errors.Is(e, io.EOF) && !errors.Is(e, net.ErrClosed) {
			firstErr = e
		}
		errMu.Unlock()
	}

	pump := func(src, dst net.Conn, fromServer bool, counter *uint64) {
		defer wg.Done()
		defer shutdown()
		buf := make([]byte, NetBufferLength)
		for {
			inHandshake := !state.HandshakeDone()
			deadline := waitTimeout
			if inHandshake && handshakeTimeout > 0 {
				deadline = handshakeTimeout
			}
			if deadline > 0 {
				src.SetReadDeadline(time.Now().Add(deadline))
			} else {
				src.SetReadDeadline(time.Time{})
			}
			n, err := p.CopyPackets(src, dst, buf, state, fromServer)
			if n > 0 {
				atomic.AddUint64(counter, uint64(n))
				lastActivity.Store(time.Now().UnixNano())
			}
			if err != nil {
				if deadline > 0 && isTimeout(err) {
					// A timeout mid-handshake cannot be resumed: the framed
					// read may have consumed part of a packet.
					idle := time.Since(time.Unix(0, lastActivity.Load()))
					if idle < deadline && state.HandshakeDone() {
						continue
					}
					report(ErrWaitTimeout)
					return
				}
				report(err)
				return
			}
		}
	}

	wg.Add(2)
	go pump(server, client, true, &bytesUp)
	go pump(client, server, false, &bytesDown)
	wg.Wait()
	shutdown()
	return bytesUp, bytesDown, state.HandshakeDone(), firstErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeAll loops the write until every byte is flushed or the write fails.
func writeAll(dst net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := dst.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
