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
	"errors"
	"log/slog"
	"sync"
)

// Outcome records what a slave did with one request.
type Outcome struct {
	UnitID    UnitID
	Function  FunctionCode
	Exception ExceptionCode // zero when the request was applied
}

// Applied reports whether the request executed without an exception.
func (o Outcome) Applied() bool {
	return o.Exception == 0
}

// Err returns the exception as an error, or nil when the request was applied.
func (o Outcome) Err() error {
	if o.Applied() {
		return nil
	}
	return NewModbusError(o.Function, o.Exception)
}

// Slave is one simulated device. All register access goes through a single
// per-slave lock.
type Slave struct {
	id     UnitID
	logger *slog.Logger

	mu   sync.Mutex
	regs *RegisterMap
}

// NewSlave creates a slave with an empty register map.
func NewSlave(id UnitID, logger *slog.Logger) *Slave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slave{
		id:     id,
		logger: logger.With(slog.Uint64("unit_id", uint64(id))),
		regs:   NewRegisterMap(),
	}
}

// ID returns the unit id of the slave.
func (s *Slave) ID() UnitID {
	return s.id
}

// AddBlock defines a zero-initialised block.
func (s *Slave) AddBlock(name string, kind TableKind, addr uint16, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.DefineBlock(name, kind, addr, length, nil)
}

// RemoveBlock deletes the named block.
func (s *Slave) RemoveBlock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.RemoveBlock(name)
}

// SetValues overwrites values of a block starting at the absolute address addr.
func (s *Slave) SetValues(name string, addr uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.SetValues(name, addr, values)
}

// Values returns a copy of the named block's values.
func (s *Slave) Values(name string) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.Values(name)
}

// Blocks lists the slave's blocks.
func (s *Slave) Blocks() []BlockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.Blocks()
}

// Read reads values directly from the register map.
func (s *Slave) Read(kind TableKind, addr uint16, count int) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.Read(kind, addr, count)
}

// Write writes values directly into the register map.
func (s *Slave) Write(kind TableKind, addr uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.Write(kind, addr, values)
}

// HandleRequest executes a request PDU and returns the response or
// exception PDU. For broadcast requests the write is still applied but the
// response is always nil; the returned Outcome carries any exception.
// Only write functions may be broadcast.
func (s *Slave) HandleRequest(pdu []byte, broadcast bool) ([]byte, Outcome) {
	out := Outcome{UnitID: s.id}
	if len(pdu) == 0 {
		out.Exception = ExceptionIllegalFunction
		return nil, out
	}
	fc := FunctionCode(pdu[0])
	out.Function = fc

	if broadcast && !fc.IsWrite() {
		out.Exception = ExceptionIllegalFunction
		s.logger.Debug("function cannot be broadcast", slog.String("func", fc.String()))
		return nil, out
	}

	resp, err := s.execute(fc, pdu)
	if err != nil {
		var modbusErr *ModbusError
		if !errors.As(err, &modbusErr) {
			modbusErr = NewModbusError(fc, ExceptionServerDeviceFailure)
		}
		out.Exception = modbusErr.ExceptionCode
		resp = modbusErr.PDU()
		s.logger.Debug("request rejected",
			slog.String("func", fc.String()),
			slog.String("exception", modbusErr.ExceptionCode.String()))
	}

	if broadcast {
		return nil, out
	}
	return resp, out
}

func (s *Slave) execute(fc FunctionCode, pdu []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch fc {
	case FuncReadCoils:
		return s.readBits(fc, Coils, pdu)
	case FuncReadDiscreteInputs:
		return s.readBits(fc, DiscreteInputs, pdu)
	case FuncReadHoldingRegisters:
		return s.readRegisters(fc, HoldingRegisters, pdu)
	case FuncReadInputRegisters:
		return s.readRegisters(fc, InputRegisters, pdu)
	case FuncWriteSingleCoil:
		return s.writeSingleCoil(pdu)
	case FuncWriteSingleRegister:
		return s.writeSingleRegister(pdu)
	case FuncWriteMultipleCoils:
		return s.writeMultipleCoils(pdu)
	case FuncWriteMultipleRegisters:
		return s.writeMultipleRegisters(pdu)
	case FuncReadWriteMultipleRegisters:
		return s.readWriteMultipleRegisters(pdu)
	default:
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
}

func (s *Slave) readBits(fc FunctionCode, kind TableKind, pdu []byte) ([]byte, error) {
	if len(pdu) != 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityCoils {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	values, err := s.regs.Read(kind, addr, int(qty))
	if err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}

	byteCount := (int(qty) + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v != 0 {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (s *Slave) readRegisters(fc FunctionCode, kind TableKind, pdu []byte) ([]byte, error) {
	if len(pdu) != 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	values, err := s.regs.Read(kind, addr, int(qty))
	if err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return encodeRegisters(fc, values), nil
}

func (s *Slave) writeSingleCoil(pdu []byte) ([]byte, error) {
	fc := FuncWriteSingleCoil
	if len(pdu) != 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])

	var bit uint16
	switch binary.BigEndian.Uint16(pdu[3:5]) {
	case CoilOn:
		bit = 1
	case CoilOff:
	default:
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	if err := s.regs.Write(Coils, addr, []uint16{bit}); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return echo(pdu), nil
}

func (s *Slave) writeSingleRegister(pdu []byte) ([]byte, error) {
	fc := FuncWriteSingleRegister
	if len(pdu) != 5 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.regs.Write(HoldingRegisters, addr, []uint16{value}); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return echo(pdu), nil
}

func (s *Slave) writeMultipleCoils(pdu []byte) ([]byte, error) {
	fc := FuncWriteMultipleCoils
	if len(pdu) < 6 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityWriteCoils {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if byteCount != (int(qty)+7)/8 || len(pdu) != 6+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	values := make([]uint16, qty)
	for i := range values {
		if pdu[6+i/8]&(1<<(i%8)) != 0 {
			values[i] = 1
		}
	}

	if err := s.regs.Write(Coils, addr, values); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return writeMultipleReply(fc, addr, qty), nil
}

func (s *Slave) writeMultipleRegisters(pdu []byte) ([]byte, error) {
	fc := FuncWriteMultipleRegisters
	if len(pdu) < 6 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if byteCount != int(qty)*2 || len(pdu) != 6+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	values := decodeRegisters(pdu[6:], int(qty))
	if err := s.regs.Write(HoldingRegisters, addr, values); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return writeMultipleReply(fc, addr, qty), nil
}

// readWriteMultipleRegisters applies the write before the read. Both ranges
// are checked first so a failing read never leaves a partial write behind.
func (s *Slave) readWriteMultipleRegisters(pdu []byte) ([]byte, error) {
	fc := FuncReadWriteMultipleRegisters
	if len(pdu) < 10 {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	readAddr := binary.BigEndian.Uint16(pdu[1:3])
	readQty := binary.BigEndian.Uint16(pdu[3:5])
	writeAddr := binary.BigEndian.Uint16(pdu[5:7])
	writeQty := binary.BigEndian.Uint16(pdu[7:9])
	byteCount := int(pdu[9])

	if readQty < 1 || readQty > MaxQuantityRegisters {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if writeQty < 1 || writeQty > MaxQuantityReadWriteWrite {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if byteCount != int(writeQty)*2 || len(pdu) != 10+byteCount {
		return nil, NewModbusError(fc, ExceptionIllegalDataValue)
	}

	if _, err := s.regs.find(HoldingRegisters, readAddr, int(readQty)); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	if err := s.regs.Write(HoldingRegisters, writeAddr, decodeRegisters(pdu[10:], int(writeQty))); err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	values, err := s.regs.Read(HoldingRegisters, readAddr, int(readQty))
	if err != nil {
		return nil, NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return encodeRegisters(fc, values), nil
}

func encodeRegisters(fc FunctionCode, values []uint16) []byte {
	resp := make([]byte, 2+len(values)*2)
	resp[0] = byte(fc)
	resp[1] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp
}

func decodeRegisters(data []byte, qty int) []uint16 {
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values
}

func writeMultipleReply(fc FunctionCode, addr, qty uint16) []byte {
	resp := make([]byte, 5)
	resp[0] = byte(fc)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp
}

// echo copies a single-write request as its response.
func echo(pdu []byte) []byte {
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp
}
