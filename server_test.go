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
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

func startTCPServer(t *testing.T, handler RequestHandler, opts ...Option) *TCPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	srv := NewTCPServer(handler, opts...)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return srv
}

func dial(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, request []byte) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, err := ReadADU(conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return resp
}

// expectSilence fails if anything arrives on conn within d.
func expectSilence(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		t.Fatalf("Expected no response, got byte %02x", buf[0])
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

func TestTCPServer_SequentialRequests(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t))
	conn := dial(t, srv)

	resp := roundTrip(t, conn, tcpRequest(0x0101, 1, []byte{0x06, 0x00, 0x65, 0x00, 0x63}))
	expected := tcpRequest(0x0101, 1, []byte{0x06, 0x00, 0x65, 0x00, 0x63})
	if !bytes.Equal(resp, expected) {
		t.Fatalf("Write: expected %x, got %x", expected, resp)
	}

	resp = roundTrip(t, conn, tcpRequest(0x0102, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x04}))
	expected = tcpRequest(0x0102, 1, []byte{0x03, 0x08, 0x00, 0x0A, 0x00, 0x63, 0x00, 0x1E, 0x00, 0x28})
	if !bytes.Equal(resp, expected) {
		t.Errorf("Read: expected %x, got %x", expected, resp)
	}
}

func TestTCPServer_GoburrowClient(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t))

	h := modbus.NewTCPClientHandler(srv.Addr().String())
	h.SlaveId = 1
	h.Timeout = 2 * time.Second
	if err := h.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer h.Close()
	client := modbus.NewClient(h)

	results, err := client.ReadHoldingRegisters(100, 4)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	expected := []byte{0x00, 0x0A, 0x00, 0x14, 0x00, 0x1E, 0x00, 0x28}
	if !bytes.Equal(results, expected) {
		t.Errorf("Expected %x, got %x", expected, results)
	}

	if _, err := client.WriteMultipleRegisters(102, 2, []byte{0x12, 0x34, 0x56, 0x78}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	results, err = client.ReadWriteMultipleRegisters(100, 4, 100, 1, []byte{0x00, 0x01})
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegisters failed: %v", err)
	}
	expected = []byte{0x00, 0x01, 0x00, 0x14, 0x12, 0x34, 0x56, 0x78}
	if !bytes.Equal(results, expected) {
		t.Errorf("Expected %x, got %x", expected, results)
	}

	_, err = client.ReadHoldingRegisters(0, 1)
	var mbErr *modbus.ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("Expected a modbus exception, got %v", err)
	}
	if mbErr.ExceptionCode != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("Expected illegal data address, got %d", mbErr.ExceptionCode)
	}

	// a second slave on the same connection
	h.SlaveId = 2
	results, err = client.ReadHoldingRegisters(100, 1)
	if err != nil {
		t.Fatalf("Slave 2 read failed: %v", err)
	}
	if !bytes.Equal(results, []byte{0x00, 0x0A}) {
		t.Errorf("Slave 2: expected 000a, got %x", results)
	}
}

func TestTCPServer_BroadcastIsSilent(t *testing.T) {
	db := newTestDatabank(t)
	srv := startTCPServer(t, db)
	conn := dial(t, srv)

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(tcpRequest(7, BroadcastUnitID, []byte{0x06, 0x00, 0x64, 0x00, 0x05})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectSilence(t, conn, 100*time.Millisecond)

	// the connection is still usable and the write was applied everywhere
	resp := roundTrip(t, conn, tcpRequest(8, 2, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	expected := tcpRequest(8, 2, []byte{0x03, 0x02, 0x00, 0x05})
	if !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
}

func TestTCPServer_DropsBadFrameKeepsConnection(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t))
	conn := dial(t, srv)

	bad := tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01})
	bad[3] = 0x05 // protocol id
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(bad)
	expectSilence(t, conn, 100*time.Millisecond)

	resp := roundTrip(t, conn, tcpRequest(2, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	if resp[1] != 2 {
		t.Errorf("Expected transaction 2, got %x", resp)
	}

	// unknown unit: silent as well
	conn.Write(tcpRequest(3, 42, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	expectSilence(t, conn, 100*time.Millisecond)

	if n := srv.Metrics().FrameErrors.Value(); n != 1 {
		t.Errorf("FrameErrors: expected 1, got %d", n)
	}
	if n := srv.Metrics().RequestsDropped.Value(); n != 2 {
		t.Errorf("RequestsDropped: expected 2, got %d", n)
	}
}

func TestTCPServer_BadLengthClosesConnection(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t))
	conn := dial(t, srv)

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01})

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestTCPServer_Hooks(t *testing.T) {
	var before, after atomic.Int32
	hooks := &Hooks{
		BeforeRequest: func(hc HookContext, request []byte) {
			if hc.Transport == "tcp" && hc.UnitID == 1 {
				before.Add(1)
			}
		},
		AfterRequest: func(hc HookContext, response []byte) {
			if len(response) > MBAPHeaderSize {
				after.Add(1)
			}
		},
	}
	srv := startTCPServer(t, newTestDatabank(t), WithHooks(hooks), WithVerbose(true))
	conn := dial(t, srv)

	roundTrip(t, conn, tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	roundTrip(t, conn, tcpRequest(2, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))

	if before.Load() != 2 || after.Load() != 2 {
		t.Errorf("Expected 2 hook calls each, got before=%d after=%d", before.Load(), after.Load())
	}
}

func TestTCPServer_MetricsAndConnections(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t))
	conn := dial(t, srv)

	roundTrip(t, conn, tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	roundTrip(t, conn, tcpRequest(2, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))

	if n := srv.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections: expected 1, got %d", n)
	}
	m := srv.Metrics()
	if m.RequestsTotal.Value() != 2 || m.RequestsSuccess.Value() != 2 {
		t.Errorf("Expected 2 requests answered, got total=%d success=%d",
			m.RequestsTotal.Value(), m.RequestsSuccess.Value())
	}
	fm := m.ForFunction(FuncReadHoldingRegisters)
	if fm.Requests.Value() != 2 || fm.Exceptions.Value() != 1 {
		t.Errorf("ReadHoldingRegisters: expected 2 requests 1 exception, got %d/%d",
			fm.Requests.Value(), fm.Exceptions.Value())
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	srv := startTCPServer(t, newTestDatabank(t), WithMaxConnections(1))
	first := dial(t, srv)
	roundTrip(t, first, tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))

	second := dial(t, srv)
	second.SetDeadline(time.Now().Add(2 * time.Second))
	second.Write(tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("Expected the second connection to be rejected")
	}
}

func TestTCPServer_CloseDisconnectsClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewTCPServer(newTestDatabank(t))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	roundTrip(t, conn, tcpRequest(1, 1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))

	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if n := srv.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections after Close: %d", n)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the connection to be closed")
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if err := srv.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Close: expected ErrServerClosed, got %v", err)
	}
}
