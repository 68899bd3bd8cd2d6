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

import "encoding/binary"

// The relay must notice a CapabilitiesSet carrying capability "tls" with a
// truthy value without compiling the X Protocol protobuf schema in. The
// scan below walks the raw protobuf wire format: a Capability is a message
// whose field 1 is the name and whose field 2 holds the value; clients
// encode the tls value as bool, signed int or unsigned int, all of which
// arrive as varints where non-zero means true (sint64 uses zigzag, which
// keeps zero as zero).

// capabilityTLSTruthy reports whether the CapabilitiesSet payload carries a
// capability named "tls" with a truthy scalar value.
func capabilityTLSTruthy(payload []byte) bool {
	truthy, found := scanCapability(payload, "tls")
	return found && truthy
}

// scanCapability walks nested messages looking for one whose field 1 equals
// name; it then reports whether any varint inside that message's field 2 is
// non-zero.
func scanCapability(msg []byte, name string) (truthy, found bool) {
	fields, ok := splitProtoFields(msg)
	if !ok {
		return false, false
	}
	var nameMatch bool
	var value []byte
	for _, f := range fields {
		if f.wireType != 2 {
			continue
		}
		switch {
		case f.field == 1 && string(f.bytes) == name:
			nameMatch = true
		case f.field == 2:
			value = f.bytes
		}
	}
	if nameMatch {
		return anyNonZeroVarint(value), true
	}
	// Recurse into submessages (CapabilitiesSet > Capabilities >
	// Capability).
	for _, f := range fields {
		if f.wireType != 2 {
			continue
		}
		if truthy, found := scanCapability(f.bytes, name); found {
			return truthy, true
		}
	}
	return false, false
}

type protoField struct {
	field    uint64
	wireType uint64
	varint   uint64
	bytes    []byte
}

// splitProtoFields parses one protobuf message level; it reports !ok when
// the bytes are not a well-formed message.
func splitProtoFields(msg []byte) ([]protoField, bool) {
	var fields []protoField
	for len(msg) > 0 {
		key, n := binary.Uvarint(msg)
		if n <= 0 {
			return nil, false
		}
		msg = msg[n:]
		f := protoField{field: key >> 3, wireType: key & 7}
		switch f.wireType {
		case 0:
			v, n := binary.Uvarint(msg)
			if n <= 0 {
				return nil, false
			}
			f.varint = v
			msg = msg[n:]
		case 1:
			if len(msg) < 8 {
				return nil, false
			}
			msg = msg[8:]
		case 2:
			l, n := binary.Uvarint(msg)
			if n <= 0 || uint64(len(msg)-n) < l {
				return nil, false
			}
			f.bytes = msg[n : uint64(n)+l]
			msg = msg[uint64(n)+l:]
		case 5:
			if len(msg) < 4 {
				return nil, false
			}
			msg = msg[4:]
		default:
			return nil, false
		}
		fields = append(fields, f)
	}
	return fields, true
}

// anyNonZeroVarint walks the value subtree (Any > Scalar) and reports
// whether any varint field is non-zero.
func anyNonZeroVarint(msg []byte) bool {
	fields, ok := splitProtoFields(msg)
	if !ok {
		return false
	}
	for _, f := range fields {
		switch f.wireType {
		case 0:
			// Scalar type tags are field 1; the value fields (v_bool,
			// v_signed_int, v_unsigned_int) carry the payload.
			if f.field != 1 && f.varint != 0 {
				return true
			}
		case 2:
			if anyNonZeroVarint(f.bytes) {
				return true
			}
		}
	}
	return false
}
