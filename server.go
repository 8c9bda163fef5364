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
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// TCPServer is a Modbus TCP server. Each connection is served by its own
// goroutine; requests on one connection are handled strictly in order.
type TCPServer struct {
	handler RequestHandler
	opts    *options

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewTCPServer creates a new Modbus TCP server dispatching to handler.
func NewTCPServer(handler RequestHandler, opts ...Option) *TCPServer {
	return newTCPServer(handler, NewServerMetrics(), applyOptions(opts))
}

func newTCPServer(handler RequestHandler, metrics *ServerMetrics, o *options) *TCPServer {
	return &TCPServer{
		handler: handler,
		opts:    o,
		conns:   make(map[net.Conn]struct{}),
		metrics: metrics,
	}
}

// Metrics returns the server metrics.
func (s *TCPServer) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *TCPServer) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext is ListenAndServe that closes the server when ctx is
// done.
func (s *TCPServer) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close is called. It returns
// nil after a clean shutdown.
func (s *TCPServer) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("tcp server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// Close stops accepting, closes every open connection and waits for the
// connection goroutines to finish.
func (s *TCPServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("tcp server stopped")
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *TCPServer) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))
	hc := HookContext{Transport: "tcp", Remote: remote}

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		adu, err := ReadADU(conn)
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				s.metrics.FrameErrors.Add(1)
				s.opts.hooks.onError(hc, err)
			}
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&s.closed) == 0 {
				// idle timeouts are expected
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					s.opts.logger.Debug("read error",
						slog.String("remote", remote),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		start := time.Now()
		s.metrics.RequestsTotal.Add(1)
		hc.UnitID = UnitID(adu[6])
		if s.opts.verbose {
			s.opts.logger.Debug("-->", slog.String("remote", remote), slog.String("frame", hex.EncodeToString(adu)))
		}
		s.opts.hooks.before(hc, adu)

		response := s.handler.HandleRequest(countingQuery{NewTCPQuery(), s.metrics}, adu)

		s.opts.hooks.after(hc, response)
		s.metrics.observe(adu[MBAPHeaderSize:], tcpPDU(response), time.Since(start))
		if response == nil {
			continue
		}
		if s.opts.verbose {
			s.opts.logger.Debug("<--", slog.String("remote", remote), slog.String("frame", hex.EncodeToString(response)))
		}

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.opts.readTimeout))
		}
		if _, err := conn.Write(response); err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.hooks.onError(hc, err)
			s.opts.logger.Debug("write error",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
		s.metrics.RequestsSuccess.Add(1)
	}
}

func tcpPDU(adu []byte) []byte {
	if len(adu) <= MBAPHeaderSize {
		return nil
	}
	return adu[MBAPHeaderSize:]
}
