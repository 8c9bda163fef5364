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
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

var _ RequestHandler = (*Databank)(nil)

// Databank routes requests to slaves by unit id.
type Databank struct {
	opts *options

	mu     sync.RWMutex
	slaves map[UnitID]*Slave
}

// NewDatabank creates an empty databank.
func NewDatabank(opts ...Option) *Databank {
	return newDatabank(applyOptions(opts))
}

func newDatabank(o *options) *Databank {
	return &Databank{
		opts:   o,
		slaves: make(map[UnitID]*Slave),
	}
}

// AddSlave registers a new slave. Unit id 0 is the broadcast address and
// can never be registered.
func (d *Databank) AddSlave(id UnitID) (*Slave, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: unit id %d outside [%d,%d]",
			ErrInvalidConfiguration, id, MinUnitID, MaxUnitID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slaves[id]; exists {
		return nil, fmt.Errorf("%w: unit id %d", ErrDuplicateSlave, id)
	}
	s := NewSlave(id, d.opts.logger)
	d.slaves[id] = s
	return s, nil
}

// Slave returns the slave registered under id.
func (d *Databank) Slave(id UnitID) (*Slave, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.slaves[id]
	return s, ok
}

// RemoveSlave unregisters a slave.
func (d *Databank) RemoveSlave(id UnitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.slaves[id]; !ok {
		return fmt.Errorf("%w: unit id %d", ErrSlaveNotFound, id)
	}
	delete(d.slaves, id)
	return nil
}

// Slaves returns all slaves ordered by unit id.
func (d *Databank) Slaves() []*Slave {
	d.mu.RLock()
	slaves := make([]*Slave, 0, len(d.slaves))
	for _, s := range d.slaves {
		slaves = append(slaves, s)
	}
	d.mu.RUnlock()

	sort.Slice(slaves, func(i, j int) bool { return slaves[i].ID() < slaves[j].ID() })
	return slaves
}

// HandleRequest parses a frame with q, dispatches it and returns the full
// response frame. It returns nil whenever nothing must be sent: malformed
// frames, broadcasts, unknown unit ids and internal faults.
func (d *Databank) HandleRequest(q Query, adu []byte) (response []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.logger.Error("panic while handling request",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			d.opts.hooks.onError(HookContext{Transport: "databank"}, fmt.Errorf("panic: %v", r))
			response = nil
		}
	}()

	unitID, pdu, err := q.ParseRequest(adu)
	if err != nil {
		d.opts.logger.Warn("dropping request", slog.String("error", err.Error()))
		d.opts.hooks.onError(HookContext{Transport: "databank"}, err)
		return nil
	}

	if unitID == BroadcastUnitID {
		d.Broadcast(pdu)
		return nil
	}

	slave, ok := d.Slave(unitID)
	if !ok {
		d.opts.logger.Debug("no slave for unit id", slog.Uint64("unit_id", uint64(unitID)))
		return nil
	}

	pduResp, _ := slave.HandleRequest(pdu, false)
	return q.BuildResponse(pduResp)
}

// Broadcast executes pdu on every slave exactly once and returns each
// slave's outcome. Exceptions are reported through the OnError hook only.
func (d *Databank) Broadcast(pdu []byte) []Outcome {
	slaves := d.Slaves()
	outcomes := make([]Outcome, 0, len(slaves))
	for _, s := range slaves {
		_, out := s.HandleRequest(pdu, true)
		outcomes = append(outcomes, out)
		if !out.Applied() {
			d.opts.logger.Debug("broadcast rejected",
				slog.Uint64("unit_id", uint64(out.UnitID)),
				slog.String("func", out.Function.String()),
				slog.String("exception", out.Exception.String()))
			d.opts.hooks.onError(HookContext{Transport: "databank", UnitID: out.UnitID}, out.Err())
		}
	}
	return outcomes
}
