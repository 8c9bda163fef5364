// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modsim

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes. The declared length must match the
// number of bytes exactly.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	pduLen := int(f.Header.Length) - 1 // Length includes Unit ID
	if pduLen < 0 {
		return fmt.Errorf("%w: invalid length field", ErrInvalidFrame)
	}
	if len(data) != MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: declared length %d, got %d bytes",
			ErrInvalidFrame, f.Header.Length, len(data)-MBAPHeaderSize+1)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:])
	return nil
}

// ReadADU reads one raw MBAP frame from r. Only the length field is
// checked here because a bad length leaves the stream unsynchronised; all
// other validation happens in TCPQuery.ParseRequest so that a bad frame can
// be dropped while the connection stays usable.
func ReadADU(r io.Reader) ([]byte, error) {
	buf := make([]byte, MBAPHeaderSize, MBAPHeaderSize+MaxPDUSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(buf[4:6]))
	pduLen := length - 1
	if pduLen < 1 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}

	buf = buf[:MBAPHeaderSize+pduLen]
	if _, err := io.ReadFull(r, buf[MBAPHeaderSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// TCPQuery parses MBAP requests and builds responses echoing the
// transaction id and unit id of the request.
type TCPQuery struct {
	header MBAPHeader
}

// NewTCPQuery creates a query for one request.
func NewTCPQuery() *TCPQuery {
	return &TCPQuery{}
}

// ParseRequest implements Query.
func (q *TCPQuery) ParseRequest(adu []byte) (UnitID, []byte, error) {
	var f Frame
	if err := f.Decode(adu); err != nil {
		return 0, nil, err
	}
	if f.Header.ProtocolID != ProtocolID {
		return 0, nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}
	if len(f.PDU) == 0 {
		return 0, nil, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	q.header = f.Header
	return f.Header.UnitID, f.PDU, nil
}

// BuildResponse implements Query. A nil PDU yields a nil frame.
func (q *TCPQuery) BuildResponse(pdu []byte) []byte {
	if pdu == nil {
		return nil
	}
	f := Frame{
		Header: MBAPHeader{
			TransactionID: q.header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        q.header.UnitID,
		},
		PDU: pdu,
	}
	return f.Encode()
}
