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

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// X Protocol messages are framed as a 4-byte little-endian length (which
// counts the type byte), a 1-byte message type, then the payload.
const xHeaderLen = 5

// The two message types the relay watches for during the handshake, plus
// the error message type SendError writes. The payloads themselves are not
// decoded beyond the tls capability scan.
const (
	xClientConCapabilitiesSet = 2
	xServerSessAuthenticateOk = 4
	xServerError              = 1
)

type XProtocol struct{}

func (*XProtocol) Name() string { return "x" }

// CopyPackets forwards data from src to dst. Until the handshake is done
// the transfer is message-framed: a client CON_CAPABILITIES_SET carrying a
// truthy tls capability or a server SESS_AUTHENTICATE_OK completes the
// handshake. Any other message is forwarded unchanged. A handshake-phase
// message larger than the network buffer is a fatal error.
func (x *XProtocol) CopyPackets(src, dst net.Conn, buf []byte, state *RelayState, fromServer bool) (int, error) {
	state.mu.Lock()
	done := state.handshakeDone
	state.mu.Unlock()
	if done {
		n, err := src.Read(buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			return 0, err
		}
		return n, nil
	}

	if _, err := io.ReadFull(src, buf[:4]); err != nil {
		return 0, err
	}
	msgLen := int(binary.LittleEndian.Uint32(buf[:4]))
	if msgLen < 1 {
		return 0, fmt.Errorf("x protocol: invalid message length %d", msgLen)
	}
	if 4+msgLen > len(buf) {
		return 0, fmt.Errorf("x protocol: handshake message of %d bytes exceeds buffer", msgLen)
	}
	if _, err := io.ReadFull(src, buf[4:4+msgLen]); err != nil {
		return 0, err
	}
	msgType := buf[4]
	payload := buf[xHeaderLen : 4+msgLen]

	state.mu.Lock()
	if fromServer && msgType == xServerSessAuthenticateOk {
		state.handshakeDone = true
	}
	if !fromServer && msgType == xClientConCapabilitiesSet && capabilityTLSTruthy(payload) {
		// The TLS upgrade follows; nothing after it can be inspected.
		state.handshakeDone = true
	}
	state.mu.Unlock()

	if err := writeAll(dst, buf[:4+msgLen]); err != nil {
		return 0, err
	}
	return 4 + msgLen, nil
}

// SendError writes a Mysqlx.Error message with severity ERROR.
func (*XProtocol) SendError(conn net.Conn, code uint16, message, sqlState string) error {
	if len(sqlState) != 5 {
		sqlState = "HY000"
	}
	// Mysqlx.Error fields: severity=1, code=2, sql_state=4, msg=3.
	var payload []byte
	payload = appendProtoVarintField(payload, 1, 1) // SEVERITY_ERROR
	payload = appendProtoVarintField(payload, 2, uint64(code))
	payload = appendProtoBytesField(payload, 4, []byte(sqlState))
	payload = appendProtoBytesField(payload, 3, []byte(message))

	out := make([]byte, 4, 4+1+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(1+len(payload)))
	out = append(out, xServerError)
	out = append(out, payload...)
	return writeAll(conn, out)
}

// OnBlockClientHost is a no-op for X Protocol; the server handles blocked
// hosts itself.
func (*XProtocol) OnBlockClientHost(server net.Conn) error {
	return nil
}

func appendProtoVarintField(b []byte, field int, v uint64) []byte {
	b = binary.AppendUvarint(b, uint64(field)<<3|0)
	return binary.AppendUvarint(b, v)
}

func appendProtoBytesField(b []byte, field int, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(field)<<3|2)
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}
