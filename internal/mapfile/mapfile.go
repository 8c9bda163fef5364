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

// Package mapfile loads register maps for the simulator from YAML.
//
//	slave_id: 1
//	base_address: 40000
//	table: holding_registers
//	blocks:
//	  - offset: 0
//	    count: 4
//	    data: "000a 0014 001e 0028"
package mapfile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/modsim"
)

// Map is a register map document.
type Map struct {
	SlaveID     uint8   `yaml:"slave_id"`
	BaseAddress uint16  `yaml:"base_address"`
	Table       string  `yaml:"table"`
	Blocks      []Block `yaml:"blocks"`
}

// Block is one contiguous run of values.
type Block struct {
	Offset uint16 `yaml:"offset"`
	Count  int    `yaml:"count"`
	Table  string `yaml:"table,omitempty"` // overrides Map.Table
	Data   string `yaml:"data,omitempty"`  // big-endian register bytes, hex
}

// Registrar receives the slaves and blocks of a map. *modsim.Simulator
// implements it.
type Registrar interface {
	AddSlave(id modsim.UnitID) (*modsim.Slave, error)
	AddBlock(id modsim.UnitID, name string, kind modsim.TableKind, addr uint16, length int) error
	SetValues(id modsim.UnitID, name string, addr uint16, values []uint16) error
}

// Load reads a map from a YAML file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map file: %w", err)
	}
	return Parse(data)
}

// Parse parses map YAML data and validates it.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse map YAML: %v", modsim.ErrInvalidConfiguration, err)
	}
	if m.Table == "" {
		m.Table = modsim.HoldingRegisters.String()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks table names, address ranges and data lengths. Overlaps
// are left to the register map, which rejects them on Apply.
func (m *Map) Validate() error {
	if m.SlaveID != 0 && !modsim.UnitID(m.SlaveID).Valid() {
		return fmt.Errorf("%w: slave_id %d", modsim.ErrInvalidConfiguration, m.SlaveID)
	}
	for i, b := range m.Blocks {
		if _, err := m.kind(b); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if b.Count <= 0 {
			return fmt.Errorf("%w: block %d: count %d", modsim.ErrInvalidConfiguration, i, b.Count)
		}
		if end := int(m.BaseAddress) + int(b.Offset) + b.Count; end > 0x10000 {
			return fmt.Errorf("%w: block %d: ends at %d, past the 16-bit address space",
				modsim.ErrInvalidConfiguration, i, end)
		}
		if _, err := b.Values(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// Name returns the block name used when the block is registered. Blocks
// that override the table are prefixed with it so that the same offset can
// be used in different tables.
func (b Block) Name() string {
	if b.Table != "" {
		return fmt.Sprintf("%s_%d", b.Table, b.Offset)
	}
	return fmt.Sprintf("regs_%d", b.Offset)
}

// Values decodes Data. Empty data yields nil, meaning zero-initialised.
func (b Block) Values() ([]uint16, error) {
	raw := strings.Join(strings.Fields(b.Data), "")
	if raw == "" {
		return nil, nil
	}
	buf, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", modsim.ErrInvalidConfiguration, err)
	}
	if len(buf) != 2*b.Count {
		return nil, fmt.Errorf("%w: data holds %d bytes, count %d needs %d",
			modsim.ErrInvalidConfiguration, len(buf), b.Count, 2*b.Count)
	}
	values := make([]uint16, b.Count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(buf[2*i:])
	}
	return values, nil
}

// Address returns the absolute start address of b.
func (m *Map) Address(b Block) uint16 {
	return m.BaseAddress + b.Offset
}

func (m *Map) kind(b Block) (modsim.TableKind, error) {
	if b.Table != "" {
		return modsim.ParseTableKind(b.Table)
	}
	return modsim.ParseTableKind(m.Table)
}

// Apply registers the slave, then defines every block, then loads the
// initial values. Blocks are all defined before any value is set so an
// overlap aborts the load before anything is written.
func (m *Map) Apply(r Registrar) ([]modsim.BlockInfo, error) {
	id := modsim.UnitID(m.SlaveID)
	if _, err := r.AddSlave(id); err != nil {
		return nil, err
	}

	placed := make([]modsim.BlockInfo, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		kind, err := m.kind(b)
		if err != nil {
			return nil, err
		}
		if err := r.AddBlock(id, b.Name(), kind, m.Address(b), b.Count); err != nil {
			return nil, err
		}
		placed = append(placed, modsim.BlockInfo{
			Name:    b.Name(),
			Kind:    kind,
			Address: m.Address(b),
			Count:   b.Count,
		})
	}

	for _, b := range m.Blocks {
		values, err := b.Values()
		if err != nil {
			return nil, err
		}
		if values == nil {
			continue
		}
		if err := r.SetValues(id, b.Name(), m.Address(b), values); err != nil {
			return nil, err
		}
	}
	return placed, nil
}
