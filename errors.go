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
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction     ExceptionCode = 0x01
	ExceptionIllegalDataAddress  ExceptionCode = 0x02
	ExceptionIllegalDataValue    ExceptionCode = 0x03
	ExceptionServerDeviceFailure ExceptionCode = 0x04
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// PDU encodes the exception response PDU.
func (e *ModbusError) PDU() []byte {
	return []byte{byte(e.FunctionCode) | 0x80, byte(e.ExceptionCode)}
}

// Common errors.
var (
	// ErrInvalidFrame indicates a malformed frame. The request is dropped.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrCRCMismatch indicates an RTU frame whose trailing CRC does not match.
	ErrCRCMismatch = errors.New("modbus: crc mismatch")

	// ErrIllegalAddress indicates a range not fully covered by one block.
	ErrIllegalAddress = errors.New("modsim: illegal data address")

	// ErrOverlappingBlock indicates a block intersects another block of the same table.
	ErrOverlappingBlock = errors.New("modsim: overlapping block")

	// ErrDuplicateBlock indicates a block name is already in use on a slave.
	ErrDuplicateBlock = errors.New("modsim: duplicate block")

	// ErrBlockNotFound indicates an unknown block name.
	ErrBlockNotFound = errors.New("modsim: block not found")

	// ErrDuplicateSlave indicates a unit id is already registered.
	ErrDuplicateSlave = errors.New("modsim: duplicate slave")

	// ErrSlaveNotFound indicates an unknown unit id.
	ErrSlaveNotFound = errors.New("modsim: slave not found")

	// ErrInvalidConfiguration indicates a startup configuration or map error.
	ErrInvalidConfiguration = errors.New("modsim: invalid configuration")

	// ErrTransport indicates a socket or serial I/O failure.
	ErrTransport = errors.New("modsim: transport fault")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("modsim: server closed")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}
