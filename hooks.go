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
)

// HookContext identifies where a hook fired.
type HookContext struct {
	Transport string // "tcp", "rtu" or "databank"
	Remote    string // peer address or serial device
	UnitID    UnitID
}

// Hooks are diagnostic callbacks. They observe traffic only: they receive
// copies of the frames and cannot change what is sent.
type Hooks struct {
	BeforeRequest func(hc HookContext, request []byte)
	AfterRequest  func(hc HookContext, response []byte)
	OnError       func(hc HookContext, err error)

	logger *slog.Logger
}

func (h *Hooks) before(hc HookContext, request []byte) {
	if h == nil || h.BeforeRequest == nil {
		return
	}
	h.call("before_request", func() { h.BeforeRequest(hc, clone(request)) })
}

func (h *Hooks) after(hc HookContext, response []byte) {
	if h == nil || h.AfterRequest == nil {
		return
	}
	h.call("after_request", func() { h.AfterRequest(hc, clone(response)) })
}

func (h *Hooks) onError(hc HookContext, err error) {
	if h == nil || h.OnError == nil {
		return
	}
	h.call("on_error", func() { h.OnError(hc, err) })
}

// call runs fn and swallows any panic so a faulty hook cannot stop a server.
func (h *Hooks) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil && h.logger != nil {
			h.logger.Error("hook panicked",
				slog.String("hook", name),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
