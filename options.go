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
	"log/slog"
	"time"
)

// Option is a functional option shared by the databank, the servers and the
// simulator. Each component ignores the settings it has no use for.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	hooks        *Hooks
	verbose      bool
	maxConns     int
	readTimeout  time.Duration
	serialOpener SerialOpener
}

func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		maxConns:     100,
		readTimeout:  DefaultReadTimeout,
		serialOpener: OpenSerial,
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.hooks != nil {
		o.hooks.logger = o.logger
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHooks installs diagnostic hooks.
func WithHooks(h *Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithVerbose enables hex dumps of every frame at debug level.
func WithVerbose(enable bool) Option {
	return func(o *options) {
		o.verbose = enable
	}
}

// WithMaxConnections sets the maximum number of concurrent TCP connections.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the idle timeout of TCP connections. Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WithSerialOpener replaces the function used to open the RTU serial device.
func WithSerialOpener(fn SerialOpener) Option {
	return func(o *options) {
		if fn != nil {
			o.serialOpener = fn
		}
	}
}
