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

// Package modsim simulates a Modbus slave device. It exposes a virtual
// register map over Modbus/TCP or Modbus/RTU and answers master requests
// the way a field device would, including broadcast handling and serial
// frame timing.
package modsim

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// Unit identifier ranges.
const (
	// BroadcastUnitID addresses every slave; it is never a registered slave.
	BroadcastUnitID UnitID = 0

	// MinUnitID and MaxUnitID bound the addressable slave ids.
	MinUnitID UnitID = 1
	MaxUnitID UnitID = 247
)

// Valid reports whether id can be assigned to a slave.
func (id UnitID) Valid() bool {
	return id >= MinUnitID && id <= MaxUnitID
}

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Data table function codes served by the simulator.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// IsWrite reports whether the function modifies the data tables. Only
// writes may be broadcast.
func (fc FunctionCode) IsWrite() bool {
	switch fc {
	case FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// TableKind identifies one of the four Modbus data tables.
type TableKind uint8

// Modbus data tables.
const (
	Coils TableKind = iota + 1
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

// String returns the configuration name of the table.
func (k TableKind) String() string {
	switch k {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete_inputs"
	case HoldingRegisters:
		return "holding_registers"
	case InputRegisters:
		return "input_registers"
	default:
		return "unknown"
	}
}

// Valid reports whether k names a known table.
func (k TableKind) Valid() bool {
	return k >= Coils && k <= InputRegisters
}

// IsBit reports whether the table holds single-bit values.
func (k TableKind) IsBit() bool {
	return k == Coils || k == DiscreteInputs
}

// ParseTableKind parses a table name. Both the configuration names and the
// usual short aliases are accepted.
func ParseTableKind(s string) (TableKind, error) {
	switch s {
	case "coils", "coil", "c":
		return Coils, nil
	case "discrete_inputs", "discrete-inputs", "discrete", "di":
		return DiscreteInputs, nil
	case "holding_registers", "holding-registers", "holding", "hr":
		return HoldingRegisters, nil
	case "input_registers", "input-registers", "input", "ir":
		return InputRegisters, nil
	default:
		return 0, fmt.Errorf("%w: unknown table %q", ErrInvalidConfiguration, s)
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils or discrete inputs that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteWrite is the write quantity limit of FC23.
	MaxQuantityReadWriteWrite = 121

	// MaxPDUSize is the largest PDU allowed on any transport.
	MaxPDUSize = 253

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultBaudRate is the default serial line speed.
	DefaultBaudRate = 9600

	// DefaultReadTimeout is the idle timeout of a TCP connection.
	DefaultReadTimeout = 30 * time.Second
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Query parses one transport-specific request frame and builds the matching
// response frame. A Query is used for exactly one request.
type Query interface {
	// ParseRequest extracts the unit id and request PDU from a raw frame.
	ParseRequest(adu []byte) (UnitID, []byte, error)
	// BuildResponse wraps a response PDU into a complete frame that answers
	// the request last parsed.
	BuildResponse(pdu []byte) []byte
}

// RequestHandler answers a raw request frame. A nil response means nothing
// must be written back.
type RequestHandler interface {
	HandleRequest(q Query, adu []byte) []byte
}
