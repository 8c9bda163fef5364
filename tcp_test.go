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
	"bytes"
	"errors"
	"testing"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	var header MBAPHeader
	if err := header.Decode([]byte{0x00, 0x01, 0x00}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestFrame_Decode(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                         // Unit ID
		0x03, 0x00, 0x00, 0x00, 0x0A, // PDU
	}

	var frame Frame
	if err := frame.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if frame.Header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", frame.Header.TransactionID)
	}
	expectedPDU := []byte{0x03, 0x00, 0x00, 0x00, 0x0A}
	if !bytes.Equal(frame.PDU, expectedPDU) {
		t.Errorf("PDU: expected %x, got %x", expectedPDU, frame.PDU)
	}
}

func TestFrame_Decode_LengthMismatch(t *testing.T) {
	// declares 6 bytes, carries 5
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00}

	var frame Frame
	if err := frame.Decode(data); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadADU(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                         // Unit ID
		0x03, 0x00, 0x64, 0x00, 0x04, // PDU
		0xFF, // start of the next frame
	}

	r := bytes.NewReader(data)
	adu, err := ReadADU(r)
	if err != nil {
		t.Fatalf("ReadADU failed: %v", err)
	}
	if !bytes.Equal(adu, data[:12]) {
		t.Errorf("Expected %x, got %x", data[:12], adu)
	}
	if r.Len() != 1 {
		t.Errorf("ReadADU consumed past the frame: %d bytes left", r.Len())
	}
}

func TestReadADU_BadLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint16
	}{
		{"zero", 0},
		{"unit id only", 1},
		{"oversized", MaxPDUSize + 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := []byte{0x00, 0x01, 0x00, 0x00, byte(tt.length >> 8), byte(tt.length), 0x01}
			if _, err := ReadADU(bytes.NewReader(data)); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestTCPQuery_RoundTrip(t *testing.T) {
	request := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x07, 0x03, 0x00, 0x64, 0x00, 0x01}

	q := NewTCPQuery()
	unitID, pdu, err := q.ParseRequest(request)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if unitID != 7 {
		t.Errorf("UnitID: expected 7, got %d", unitID)
	}
	if !bytes.Equal(pdu, request[7:]) {
		t.Errorf("PDU: expected %x, got %x", request[7:], pdu)
	}

	resp := q.BuildResponse([]byte{0x03, 0x02, 0x00, 0x2A})
	expected := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x05, 0x07, 0x03, 0x02, 0x00, 0x2A}
	if !bytes.Equal(resp, expected) {
		t.Errorf("Response: expected %x, got %x", expected, resp)
	}

	if q.BuildResponse(nil) != nil {
		t.Error("BuildResponse(nil) should return nil")
	}
}

func TestTCPQuery_Rejects(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
	}{
		{"protocol id", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}},
		{"empty pdu", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"short", []byte{0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := NewTCPQuery().ParseRequest(tt.adu); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}
