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
	"fmt"
	"sort"
)

// Block is a contiguous, fixed-length run of values in one data table.
type Block struct {
	Name    string
	Kind    TableKind
	Address uint16
	values  []uint16
}

// Len returns the number of values in the block.
func (b *Block) Len() int {
	return len(b.values)
}

// end returns the first address past the block.
func (b *Block) end() int {
	return int(b.Address) + len(b.values)
}

func (b *Block) covers(addr uint16, count int) bool {
	return int(addr) >= int(b.Address) && int(addr)+count <= b.end()
}

// BlockInfo describes a block without exposing its values.
type BlockInfo struct {
	Name    string
	Kind    TableKind
	Address uint16
	Count   int
}

// RegisterMap owns the register blocks of one slave. It is not safe for
// concurrent use; Slave serializes access to it.
type RegisterMap struct {
	byName map[string]*Block
	tables map[TableKind][]*Block // sorted by address
}

// NewRegisterMap creates an empty register map.
func NewRegisterMap() *RegisterMap {
	return &RegisterMap{
		byName: make(map[string]*Block),
		tables: make(map[TableKind][]*Block),
	}
}

// DefineBlock adds a block of length values starting at addr. Missing
// initial values are zero.
func (m *RegisterMap) DefineBlock(name string, kind TableKind, addr uint16, length int, initial []uint16) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: block %q has unknown table", ErrInvalidConfiguration, name)
	}
	if length < 1 || int(addr)+length > 65536 {
		return fmt.Errorf("%w: block %q length %d at address %d exceeds the address space",
			ErrInvalidConfiguration, name, length, addr)
	}
	if len(initial) > length {
		return fmt.Errorf("%w: block %q has %d initial values for %d registers",
			ErrInvalidConfiguration, name, len(initial), length)
	}
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateBlock, name)
	}

	end := int(addr) + length
	for _, b := range m.tables[kind] {
		if int(addr) < b.end() && int(b.Address) < end {
			return fmt.Errorf("%w: %s %q [%d,%d) intersects %q [%d,%d)",
				ErrOverlappingBlock, kind, name, addr, end, b.Name, b.Address, b.end())
		}
	}

	b := &Block{
		Name:    name,
		Kind:    kind,
		Address: addr,
		values:  make([]uint16, length),
	}
	copy(b.values, initial)
	if kind.IsBit() {
		normalizeBits(b.values)
	}

	m.byName[name] = b
	blocks := append(m.tables[kind], b)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Address < blocks[j].Address })
	m.tables[kind] = blocks
	return nil
}

// RemoveBlock deletes a block by name.
func (m *RegisterMap) RemoveBlock(name string) error {
	b, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBlockNotFound, name)
	}
	delete(m.byName, name)
	blocks := m.tables[b.Kind]
	for i := range blocks {
		if blocks[i] == b {
			m.tables[b.Kind] = append(blocks[:i], blocks[i+1:]...)
			break
		}
	}
	return nil
}

// find returns the single block of kind that covers [addr, addr+count).
func (m *RegisterMap) find(kind TableKind, addr uint16, count int) (*Block, error) {
	blocks := m.tables[kind]
	// first block whose end lies past addr
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i].end() > int(addr) })
	if i < len(blocks) && blocks[i].covers(addr, count) {
		return blocks[i], nil
	}
	return nil, fmt.Errorf("%w: %s [%d,%d)", ErrIllegalAddress, kind, addr, int(addr)+count)
}

// Read returns count values starting at addr. The range must lie inside a
// single block.
func (m *RegisterMap) Read(kind TableKind, addr uint16, count int) ([]uint16, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: count %d", ErrIllegalAddress, count)
	}
	b, err := m.find(kind, addr, count)
	if err != nil {
		return nil, err
	}
	off := int(addr) - int(b.Address)
	result := make([]uint16, count)
	copy(result, b.values[off:off+count])
	return result, nil
}

// Write stores values starting at addr. Nothing is written unless the whole
// range lies inside a single block.
func (m *RegisterMap) Write(kind TableKind, addr uint16, values []uint16) error {
	if len(values) < 1 {
		return fmt.Errorf("%w: empty write", ErrIllegalAddress)
	}
	b, err := m.find(kind, addr, len(values))
	if err != nil {
		return err
	}
	off := int(addr) - int(b.Address)
	copy(b.values[off:], values)
	if kind.IsBit() {
		normalizeBits(b.values[off : off+len(values)])
	}
	return nil
}

// SetValues overwrites values of the named block starting at the absolute
// address addr.
func (m *RegisterMap) SetValues(name string, addr uint16, values []uint16) error {
	b, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBlockNotFound, name)
	}
	if len(values) == 0 {
		return nil
	}
	if !b.covers(addr, len(values)) {
		return fmt.Errorf("%w: %d values at %d do not fit block %q [%d,%d)",
			ErrIllegalAddress, len(values), addr, name, b.Address, b.end())
	}
	off := int(addr) - int(b.Address)
	copy(b.values[off:], values)
	if b.Kind.IsBit() {
		normalizeBits(b.values[off : off+len(values)])
	}
	return nil
}

// Values returns a copy of the named block's values.
func (m *RegisterMap) Values(name string) ([]uint16, error) {
	b, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBlockNotFound, name)
	}
	result := make([]uint16, len(b.values))
	copy(result, b.values)
	return result, nil
}

// Blocks lists all blocks ordered by table, then address.
func (m *RegisterMap) Blocks() []BlockInfo {
	var infos []BlockInfo
	for kind := Coils; kind <= InputRegisters; kind++ {
		for _, b := range m.tables[kind] {
			infos = append(infos, BlockInfo{
				Name:    b.Name,
				Kind:    b.Kind,
				Address: b.Address,
				Count:   b.Len(),
			})
		}
	}
	return infos
}

func normalizeBits(values []uint16) {
	for i, v := range values {
		if v != 0 {
			values[i] = 1
		}
	}
}
