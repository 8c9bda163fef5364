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
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode selects the transport of a simulator.
type Mode string

// Transport modes.
const (
	ModeTCP Mode = "tcp"
	ModeRTU Mode = "rtu"
)

// Config is the simulator configuration.
type Config struct {
	Mode Mode

	// TCP
	Host        string
	Port        int
	MaxConns    int
	ReadTimeout time.Duration

	// RTU
	Device       string
	Baud         int
	DataBits     int
	Parity       string
	StopBits     int
	SafetyMargin float64
	// LenientInterChar keeps a frame open when the line pauses longer than
	// the inter-character timeout. By default such a pause aborts it.
	LenientInterChar bool

	// UnitID is the slave the register map is loaded into.
	UnitID  UnitID
	Verbose bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeTCP,
		Port:         DefaultPort,
		MaxConns:     100,
		ReadTimeout:  DefaultReadTimeout,
		Device:       "COM1",
		Baud:         DefaultBaudRate,
		DataBits:     8,
		Parity:       "N",
		StopBits:     1,
		SafetyMargin: DefaultSafetyMargin,
		UnitID:       1,
	}
}

// Validate checks the configuration. Errors wrap ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if !c.UnitID.Valid() {
		return fmt.Errorf("%w: unit id %d outside [%d,%d]", ErrInvalidConfiguration, c.UnitID, MinUnitID, MaxUnitID)
	}
	switch c.Mode {
	case ModeTCP:
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidConfiguration, c.Port)
		}
		if c.MaxConns < 0 {
			return fmt.Errorf("%w: max connections %d", ErrInvalidConfiguration, c.MaxConns)
		}
		if c.ReadTimeout < 0 {
			return fmt.Errorf("%w: read timeout %s", ErrInvalidConfiguration, c.ReadTimeout)
		}
	case ModeRTU:
		if c.Device == "" {
			return fmt.Errorf("%w: serial device not set", ErrInvalidConfiguration)
		}
		if c.Baud <= 0 {
			return fmt.Errorf("%w: baud rate %d", ErrInvalidConfiguration, c.Baud)
		}
		if c.DataBits < 5 || c.DataBits > 8 {
			return fmt.Errorf("%w: data bits %d", ErrInvalidConfiguration, c.DataBits)
		}
		switch strings.ToUpper(c.Parity) {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: parity %q", ErrInvalidConfiguration, c.Parity)
		}
		if c.StopBits != 1 && c.StopBits != 2 {
			return fmt.Errorf("%w: stop bits %d", ErrInvalidConfiguration, c.StopBits)
		}
		if c.SafetyMargin < 0 {
			return fmt.Errorf("%w: safety margin %.2f", ErrInvalidConfiguration, c.SafetyMargin)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfiguration, c.Mode)
	}
	return nil
}

// Address returns the TCP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Serial returns the serial line settings.
func (c *Config) Serial() SerialConfig {
	return SerialConfig{
		Device:   c.Device,
		Baud:     c.Baud,
		DataBits: c.DataBits,
		Parity:   strings.ToUpper(c.Parity),
		StopBits: c.StopBits,
	}
}

// Simulator owns one databank and exactly one server, TCP or RTU.
type Simulator struct {
	cfg      Config
	opts     *options
	databank *Databank
	metrics  *ServerMetrics

	tcp *TCPServer
	rtu *RTUServer

	closeOnce sync.Once
	closeErr  error
}

// New creates a simulator. In RTU mode the serial device is opened here so
// configuration problems surface before Start; Close releases it even if
// Start is never called.
func New(cfg Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	if cfg.Verbose {
		o.verbose = true
	}
	if cfg.MaxConns > 0 {
		o.maxConns = cfg.MaxConns
	}
	if cfg.ReadTimeout > 0 {
		o.readTimeout = cfg.ReadTimeout
	}

	sim := &Simulator{
		cfg:      cfg,
		opts:     o,
		databank: newDatabank(o),
		metrics:  NewServerMetrics(),
	}

	switch cfg.Mode {
	case ModeTCP:
		sim.tcp = newTCPServer(sim.databank, sim.metrics, o)
	case ModeRTU:
		timing, err := NewTiming(cfg.Baud, cfg.SafetyMargin)
		if err != nil {
			return nil, err
		}
		port, err := o.serialOpener(cfg.Serial())
		if err != nil {
			return nil, err
		}
		sim.rtu = newRTUServer(sim.databank, port, RTUServerConfig{
			Device:           cfg.Device,
			Timing:           timing,
			LenientInterChar: cfg.LenientInterChar,
		}, sim.metrics, o)
	}
	return sim, nil
}

// Config returns the configuration the simulator was built with.
func (s *Simulator) Config() Config {
	return s.cfg
}

// Databank returns the slave registry.
func (s *Simulator) Databank() *Databank {
	return s.databank
}

// Metrics returns the server metrics.
func (s *Simulator) Metrics() *ServerMetrics {
	return s.metrics
}

// Timing returns the RTU line timing. It reports false in TCP mode.
func (s *Simulator) Timing() (Timing, bool) {
	if s.rtu == nil {
		return Timing{}, false
	}
	return s.rtu.Timing(), true
}

// Addr returns the TCP listening address once the server is running.
func (s *Simulator) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// AddSlave registers a slave.
func (s *Simulator) AddSlave(id UnitID) (*Slave, error) {
	return s.databank.AddSlave(id)
}

// AddBlock defines a zero-initialised block on slave id.
func (s *Simulator) AddBlock(id UnitID, name string, kind TableKind, addr uint16, length int) error {
	slave, err := s.slave(id)
	if err != nil {
		return err
	}
	return slave.AddBlock(name, kind, addr, length)
}

// SetValues writes values into the named block of slave id starting at
// absolute address addr.
func (s *Simulator) SetValues(id UnitID, name string, addr uint16, values []uint16) error {
	slave, err := s.slave(id)
	if err != nil {
		return err
	}
	return slave.SetValues(name, addr, values)
}

func (s *Simulator) slave(id UnitID) (*Slave, error) {
	slave, ok := s.databank.Slave(id)
	if !ok {
		return nil, fmt.Errorf("%w: unit id %d", ErrSlaveNotFound, id)
	}
	return slave, nil
}

// Start serves requests until ctx is done or Close is called.
func (s *Simulator) Start(ctx context.Context) error {
	if s.tcp != nil {
		ln, err := net.Listen("tcp", s.cfg.Address())
		if err != nil {
			return fmt.Errorf("%w: listen %s: %v", ErrTransport, s.cfg.Address(), err)
		}
		return s.Serve(ctx, ln)
	}
	return s.rtu.Serve(ctx)
}

// Serve is Start on an existing TCP listener. It is not available in RTU
// mode.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	if s.tcp == nil {
		ln.Close()
		return fmt.Errorf("%w: listener given in %s mode", ErrInvalidConfiguration, s.cfg.Mode)
	}
	stop := context.AfterFunc(ctx, func() { s.tcp.Close() })
	defer stop()
	return s.tcp.Serve(ln)
}

// Close stops the server and releases its transport. It is safe to call
// more than once.
func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		if s.tcp != nil {
			s.closeErr = s.tcp.Close()
		} else {
			s.closeErr = s.rtu.Close()
		}
		s.opts.logger.Debug("simulator closed", slog.String("mode", string(s.cfg.Mode)))
	})
	return s.closeErr
}
