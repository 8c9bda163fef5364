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
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// linePort is one end of a simulated serial line.
type linePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	closed bool

	// master side only, see readWithin
	once     sync.Once
	incoming chan []byte
	pending  []byte
}

func (p *linePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *linePort) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *linePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.r.Close()
	return p.w.Close()
}

func (p *linePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// newLine returns the slave and master ends of a serial line.
func newLine() (slave, master *linePort) {
	toSlave, fromMaster := io.Pipe()
	toMaster, fromSlave := io.Pipe()
	return &linePort{r: toSlave, w: fromSlave}, &linePort{r: toMaster, w: fromMaster}
}

func fastTiming(t *testing.T) Timing {
	t.Helper()
	timing, err := NewTiming(9600, 1)
	if err != nil {
		t.Fatal(err)
	}
	return timing
}

func startRTUServer(t *testing.T, handler RequestHandler, opts ...Option) (*RTUServer, *linePort, <-chan error) {
	t.Helper()
	return startRTUServerWith(t, handler, RTUServerConfig{Device: "pipe", Timing: fastTiming(t)}, opts...)
}

func startRTUServerWith(t *testing.T, handler RequestHandler, cfg RTUServerConfig, opts ...Option) (*RTUServer, *linePort, <-chan error) {
	t.Helper()
	slavePort, master := newLine()
	timing := cfg.Timing
	srv := NewRTUServer(handler, slavePort, cfg, opts...)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Close()
		master.Close()
	})

	// let the reader synchronise on a silent line
	time.Sleep(5 * timing.InterFrameTimeout())
	return srv, master, done
}

// receive starts one background reader for the port. Bytes nobody has
// asked for yet stay queued for the next readWithin.
func (p *linePort) receive() <-chan []byte {
	p.once.Do(func() {
		p.incoming = make(chan []byte, 64)
		go func() {
			defer close(p.incoming)
			for {
				b := make([]byte, RTUMaxFrameSize)
				n, err := p.r.Read(b)
				if n > 0 {
					p.incoming <- b[:n]
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return p.incoming
}

// readWithin reads n bytes from p, giving up after d. A timeout leaves
// later bytes to the next call.
func readWithin(p *linePort, n int, d time.Duration) ([]byte, error) {
	timeout := time.After(d)
	in := p.receive()
	for len(p.pending) < n {
		select {
		case b, ok := <-in:
			if !ok {
				return nil, io.ErrClosedPipe
			}
			p.pending = append(p.pending, b...)
		case <-timeout:
			return nil, context.DeadlineExceeded
		}
	}
	out := p.pending[:n:n]
	p.pending = p.pending[n:]
	return out, nil
}

func TestRTUServer_ReadRequest(t *testing.T) {
	_, master, _ := startRTUServer(t, newTestDatabank(t))

	master.Write(EncodeRTU(1, []byte{0x03, 0x00, 0x64, 0x00, 0x02}))

	expected := EncodeRTU(1, []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14})
	resp, err := readWithin(master, len(expected), 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	if !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
}

func TestRTUServer_WriteThenRead(t *testing.T) {
	db := newTestDatabank(t)
	_, master, _ := startRTUServer(t, db)

	req := EncodeRTU(1, []byte{0x06, 0x00, 0x65, 0x00, 0x63})
	master.Write(req)
	resp, err := readWithin(master, len(req), 2*time.Second)
	if err != nil {
		t.Fatalf("No response: %v", err)
	}
	if !bytes.Equal(resp, req) {
		t.Errorf("Expected echo %x, got %x", req, resp)
	}

	s, _ := db.Slave(1)
	values, _ := s.Values("hr")
	expected := []uint16{10, 99, 30, 40}
	for i := range expected {
		if values[i] != expected[i] {
			t.Errorf("Register %d: expected %d, got %d", 100+i, expected[i], values[i])
		}
	}
}

func TestRTUServer_CRCErrorIsSilent(t *testing.T) {
	srv, master, _ := startRTUServer(t, newTestDatabank(t))

	bad := EncodeRTU(1, []byte{0x03, 0x00, 0x64, 0x00, 0x01})
	bad[len(bad)-1] ^= 0xFF
	master.Write(bad)
	if resp, err := readWithin(master, 1, 100*time.Millisecond); err == nil {
		t.Fatalf("Expected no response, got %x", resp)
	}
	if n := srv.Metrics().CRCErrors.Value(); n != 1 {
		t.Errorf("CRCErrors: expected 1, got %d", n)
	}
}

func TestRTUServer_CRCErrorDoesNotAffectNextFrame(t *testing.T) {
	srv, master, _ := startRTUServer(t, newTestDatabank(t))
	silence := 3 * srv.Timing().InterFrameTimeout()

	good := EncodeRTU(1, []byte{0x03, 0x00, 0x64, 0x00, 0x02})
	expected := EncodeRTU(1, []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14})

	for i := range good {
		bad := bytes.Clone(good)
		bad[i] ^= 1 << (i % 8)
		master.Write(bad)
		time.Sleep(silence)

		master.Write(good)
		resp, err := readWithin(master, len(expected), 2*time.Second)
		if err != nil {
			t.Fatalf("Byte %d corrupted: no response to the next frame: %v", i, err)
		}
		if !bytes.Equal(resp, expected) {
			t.Fatalf("Byte %d corrupted: expected %x, got %x", i, expected, resp)
		}
		if extra, err := readWithin(master, 1, silence); err == nil {
			t.Fatalf("Byte %d corrupted: unexpected extra byte %x", i, extra)
		}
	}
	if n := srv.Metrics().CRCErrors.Value(); n != int64(len(good)) {
		t.Errorf("CRCErrors: expected %d, got %d", len(good), n)
	}
}

// A pause longer than the inter-character timeout inside a request aborts
// it under the default configuration.
func TestRTUServer_MidFrameGapAborts(t *testing.T) {
	timing, err := NewTiming(9600, 0)
	if err != nil {
		t.Fatal(err)
	}
	srv, master, _ := startRTUServerWith(t, newTestDatabank(t), RTUServerConfig{Device: "pipe", Timing: timing})

	req := EncodeRTU(1, []byte{0x03, 0x00, 0x64, 0x00, 0x02})
	master.Write(req[:1])
	time.Sleep(15 * time.Millisecond)
	master.Write(req[1:])

	if resp, err := readWithin(master, 1, 3*timing.InterFrameTimeout()); err == nil {
		t.Fatalf("Expected the split request to be dropped, got %x", resp)
	}
	if n := srv.Metrics().CRCErrors.Value(); n != 1 {
		t.Errorf("CRCErrors: expected 1 for the truncated frame, got %d", n)
	}

	master.Write(req)
	expected := EncodeRTU(1, []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14})
	resp, err := readWithin(master, len(expected), 2*time.Second)
	if err != nil {
		t.Fatalf("No response to the whole request: %v", err)
	}
	if !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
}

func TestRTUServer_OverrunCountsFrameError(t *testing.T) {
	srv, master, _ := startRTUServer(t, newTestDatabank(t))

	noise := bytes.Repeat([]byte{0x55}, RTUMaxFrameSize+10)
	master.Write(noise)
	time.Sleep(5 * srv.Timing().InterFrameTimeout())

	master.Write(EncodeRTU(1, []byte{0x03, 0x00, 0x64, 0x00, 0x01}))
	expected := EncodeRTU(1, []byte{0x03, 0x02, 0x00, 0x0A})
	resp, err := readWithin(master, len(expected), 2*time.Second)
	if err != nil {
		t.Fatalf("No response after overrun: %v", err)
	}
	if !bytes.Equal(resp, expected) {
		t.Errorf("Expected %x, got %x", expected, resp)
	}
	if n := srv.Metrics().FrameErrors.Value(); n != 1 {
		t.Errorf("FrameErrors: expected 1, got %d", n)
	}
}

func TestRTUServer_BroadcastIsSilent(t *testing.T) {
	db := newTestDatabank(t)
	srv, master, _ := startRTUServer(t, db)

	master.Write(EncodeRTU(BroadcastUnitID, []byte{0x06, 0x00, 0x64, 0x00, 0x09}))
	if resp, err := readWithin(master, 1, 100*time.Millisecond); err == nil {
		t.Fatalf("Expected no response, got %x", resp)
	}
	for _, s := range db.Slaves() {
		values, _ := s.Values("hr")
		if values[0] != 9 {
			t.Errorf("Slave %d: expected 9, got %d", s.ID(), values[0])
		}
	}
	if n := srv.Metrics().RequestsDropped.Value(); n != 1 {
		t.Errorf("RequestsDropped: expected 1, got %d", n)
	}
}

func TestRTUServer_CloseStopsServe(t *testing.T) {
	slavePort, master := newLine()
	defer master.Close()
	srv := NewRTUServer(newTestDatabank(t), slavePort, RTUServerConfig{Timing: fastTiming(t)})

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	srv.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if !slavePort.isClosed() {
		t.Error("Close did not release the serial port")
	}
	if err := srv.Serve(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Close: expected ErrServerClosed, got %v", err)
	}
}

func TestRTUServer_CloseRacingServe(t *testing.T) {
	for i := 0; i < 20; i++ {
		slavePort, master := newLine()
		srv := NewRTUServer(newTestDatabank(t), slavePort, RTUServerConfig{Timing: fastTiming(t)})

		done := make(chan error, 1)
		go func() { done <- srv.Serve(context.Background()) }()
		if err := srv.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrServerClosed) {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after Close")
		}
		master.Close()
	}
}

func TestRTUServer_ContextCancel(t *testing.T) {
	slavePort, master := newLine()
	defer master.Close()
	srv := NewRTUServer(newTestDatabank(t), slavePort, RTUServerConfig{Timing: fastTiming(t)})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRTUServer_LineFault(t *testing.T) {
	_, master, done := startRTUServer(t, newTestDatabank(t))

	// the master side hangs up: the slave sees EOF
	master.w.CloseWithError(errors.New("cable unplugged"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransport) {
			t.Errorf("Expected ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return on a line fault")
	}
}
