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
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
)

// serialPollInterval bounds how long a serial read blocks before the reader
// checks whether it has been stopped.
const serialPollInterval = 100 * time.Millisecond

// SerialConfig describes an RTU line.
type SerialConfig struct {
	Device   string
	Baud     int
	DataBits int    // 5..8
	Parity   string // "N", "E" or "O"
	StopBits int    // 1 or 2
}

// SerialOpener opens the serial device described by cfg.
type SerialOpener func(cfg SerialConfig) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  serialPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransport, cfg.Device, err)
	}
	return port, nil
}

// RTUServerConfig configures an RTU server.
type RTUServerConfig struct {
	Device           string // used in logs and hook contexts
	Timing           Timing
	LenientInterChar bool
}

// RTUServer serves Modbus RTU on a single serial line. The line is
// half-duplex: one frame is read, handled and answered at a time.
type RTUServer struct {
	handler RequestHandler
	port    io.ReadWriteCloser
	cfg     RTUServerConfig
	opts    *options
	metrics *ServerMetrics

	mu      sync.Mutex // guards closed transitions and serving.Add
	closed  int32
	serving sync.WaitGroup
}

// NewRTUServer creates an RTU server answering on port. The server takes
// ownership of port and closes it on Close.
func NewRTUServer(handler RequestHandler, port io.ReadWriteCloser, cfg RTUServerConfig, opts ...Option) *RTUServer {
	return newRTUServer(handler, port, cfg, NewServerMetrics(), applyOptions(opts))
}

func newRTUServer(handler RequestHandler, port io.ReadWriteCloser, cfg RTUServerConfig, metrics *ServerMetrics, o *options) *RTUServer {
	if cfg.Timing.Baud() == 0 {
		cfg.Timing, _ = NewTiming(DefaultBaudRate, DefaultSafetyMargin)
	}
	return &RTUServer{
		handler: handler,
		port:    port,
		cfg:     cfg,
		opts:    o,
		metrics: metrics,
	}
}

// Metrics returns the server metrics.
func (s *RTUServer) Metrics() *ServerMetrics {
	return s.metrics
}

// Timing returns the line timing in use.
func (s *RTUServer) Timing() Timing {
	return s.cfg.Timing
}

// Serve runs the request loop until ctx is done or Close is called, in which
// case it returns nil. A failing serial line ends the loop with an error
// wrapping ErrTransport.
func (s *RTUServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving.Add(1)
	s.mu.Unlock()
	defer s.serving.Done()

	logger := s.opts.logger.With(slog.String("device", s.cfg.Device))
	reader := NewFrameReader(s.port, s.cfg.Timing, !s.cfg.LenientInterChar, logger)
	defer reader.Close()

	logger.Info("rtu server started", slog.String("timing", s.cfg.Timing.String()))
	defer logger.Info("rtu server stopped")

	if err := reader.Sync(ctx); err != nil {
		return s.stopped(ctx, err)
	}

	hc := HookContext{Transport: "rtu", Remote: s.cfg.Device}
	var lateSeen, overrunSeen int64
	for {
		frame, err := reader.ReadFrame(ctx)
		if overruns := reader.Overruns(); overruns > overrunSeen {
			s.metrics.FrameErrors.Add(overruns - overrunSeen)
			overrunSeen = overruns
		}
		if err != nil {
			return s.stopped(ctx, err)
		}
		if late := reader.LateChars(); late > lateSeen {
			logger.Debug("inter-character timeout observed", slog.Int64("total", late))
			lateSeen = late
		}
		if err := s.handleFrame(hc, frame, logger); err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			return fmt.Errorf("%w: write %s: %v", ErrTransport, s.cfg.Device, err)
		}
	}
}

func (s *RTUServer) handleFrame(hc HookContext, frame []byte, logger *slog.Logger) error {
	start := time.Now()
	s.metrics.RequestsTotal.Add(1)
	hc.UnitID = UnitID(frame[0])
	if s.opts.verbose {
		logger.Debug("-->", slog.String("frame", hex.EncodeToString(frame)))
	}
	s.opts.hooks.before(hc, frame)

	response := s.handler.HandleRequest(countingQuery{NewRTUQuery(), s.metrics}, frame)

	s.opts.hooks.after(hc, response)
	s.metrics.observe(rtuPDU(frame), rtuPDU(response), time.Since(start))
	if response == nil {
		return nil
	}
	if s.opts.verbose {
		logger.Debug("<--", slog.String("frame", hex.EncodeToString(response)))
	}
	if _, err := s.port.Write(response); err != nil {
		s.metrics.RequestsErrors.Add(1)
		s.opts.hooks.onError(hc, err)
		return err
	}
	s.metrics.RequestsSuccess.Add(1)
	return nil
}

func (s *RTUServer) stopped(ctx context.Context, err error) error {
	if atomic.LoadInt32(&s.closed) == 1 || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %s closed: %v", ErrTransport, s.cfg.Device, err)
	}
	return fmt.Errorf("%w: read %s: %v", ErrTransport, s.cfg.Device, err)
}

// Close releases the serial line and waits for Serve to return. A Serve
// call that starts after Close returns ErrServerClosed.
func (s *RTUServer) Close() error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		return nil
	}
	atomic.StoreInt32(&s.closed, 1)
	s.mu.Unlock()

	err := s.port.Close()
	s.serving.Wait()
	return err
}

func rtuPDU(adu []byte) []byte {
	if len(adu) < RTUMinFrameSize {
		return nil
	}
	return adu[1 : len(adu)-RTUCRCSize]
}
