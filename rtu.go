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

// RTU: [UnitID(1)] [PDU(N)] [CRC-16(2), low byte first]
//
// RTU frames carry no length; a frame ends when the line stays silent for
// the inter-frame timeout.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/sigurn/crc16"
)

// RTU framing constants.
const (
	RTUMinFrameSize = 4   // unit_id + fc + crc(2)
	RTUMaxFrameSize = 256 // 1 + 253 PDU + 2 CRC
	RTUCRCSize      = 2
)

// DefaultSafetyMargin widens both character-time derived timeouts. The
// textbook values are too tight for most USB adapters and PC UARTs. At 9600
// baud it gives 5.16ms between characters and 34.4ms between frames.
const DefaultSafetyMargin = 3.0

// bitsPerChar is start + 8 data + parity + stop.
const bitsPerChar = 11

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 computes the Modbus CRC-16 (polynomial 0xA001 reflected) of data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// EncodeRTU builds an RTU frame from a unit id and a PDU.
func EncodeRTU(unitID UnitID, pdu []byte) []byte {
	adu := make([]byte, 0, 1+len(pdu)+RTUCRCSize)
	adu = append(adu, byte(unitID))
	adu = append(adu, pdu...)
	crc := CRC16(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// Timing holds the silence thresholds derived from the baud rate. It is
// computed once and never changes.
type Timing struct {
	baud       int
	margin     float64
	charTime   time.Duration
	interChar  time.Duration
	interFrame time.Duration
}

// NewTiming derives the RTU timeouts for baud, widened by margin. A margin
// of zero or less selects DefaultSafetyMargin; a margin of 1 gives the raw
// 1.5 and 10 character-time values.
func NewTiming(baud int, margin float64) (Timing, error) {
	if baud <= 0 {
		return Timing{}, fmt.Errorf("%w: baud rate %d", ErrInvalidConfiguration, baud)
	}
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	charTime := float64(bitsPerChar) * float64(time.Second) / float64(baud)
	return Timing{
		baud:       baud,
		margin:     margin,
		charTime:   time.Duration(charTime),
		interChar:  time.Duration(1.5 * charTime * margin),
		interFrame: time.Duration(10 * charTime * margin),
	}, nil
}

// Baud returns the baud rate the timing was derived from.
func (t Timing) Baud() int { return t.baud }

// Margin returns the safety multiplier applied to the timeouts.
func (t Timing) Margin() float64 { return t.margin }

// CharTime returns the transmission time of one character.
func (t Timing) CharTime() time.Duration { return t.charTime }

// InterCharTimeout returns the longest silence allowed inside a frame.
func (t Timing) InterCharTimeout() time.Duration { return t.interChar }

// InterFrameTimeout returns the silence that ends a frame.
func (t Timing) InterFrameTimeout() time.Duration { return t.interFrame }

type gapKind int

const (
	gapInFrame gapKind = iota
	gapLateChar
	gapEndOfFrame
)

// classify sorts the silence between two received chunks.
func (t Timing) classify(gap time.Duration) gapKind {
	switch {
	case gap > t.interFrame:
		return gapEndOfFrame
	case gap > t.interChar:
		return gapLateChar
	default:
		return gapInFrame
	}
}

// String implements fmt.Stringer.
func (t Timing) String() string {
	return fmt.Sprintf("baud=%d char=%s inter_char=%s inter_frame=%s margin=%.2f",
		t.baud, t.charTime, t.interChar, t.interFrame, t.margin)
}

// RTUQuery parses RTU requests and builds CRC-protected responses.
type RTUQuery struct {
	unitID UnitID
}

// NewRTUQuery creates a query for one request.
func NewRTUQuery() *RTUQuery {
	return &RTUQuery{}
}

// ParseRequest implements Query. Frames with a bad CRC fail with ErrCRCMismatch.
func (q *RTUQuery) ParseRequest(adu []byte) (UnitID, []byte, error) {
	if len(adu) < RTUMinFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame too short (%d bytes)", ErrInvalidFrame, len(adu))
	}
	if len(adu) > RTUMaxFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame too long (%d bytes)", ErrInvalidFrame, len(adu))
	}
	payload := adu[:len(adu)-RTUCRCSize]
	got := uint16(adu[len(adu)-2]) | uint16(adu[len(adu)-1])<<8
	if want := CRC16(payload); got != want {
		return 0, nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrCRCMismatch, got, want)
	}
	q.unitID = UnitID(adu[0])
	return q.unitID, clone(payload[1:]), nil
}

// BuildResponse implements Query. A nil PDU yields a nil frame.
func (q *RTUQuery) BuildResponse(pdu []byte) []byte {
	if pdu == nil {
		return nil
	}
	return EncodeRTU(q.unitID, pdu)
}

type chunk struct {
	data []byte
	at   time.Time
	err  error
}

// FrameReader splits a serial byte stream into RTU frames using silence
// intervals. A background goroutine timestamps incoming bytes so gaps are
// measured at arrival, not when ReadFrame gets to them.
type FrameReader struct {
	timing Timing
	strict bool
	logger *slog.Logger

	chunks  chan chunk
	stop    chan struct{}
	once    sync.Once
	pending *chunk

	lateChars Counter
	aborted   Counter
	overruns  Counter
}

// NewFrameReader starts reading r. With strict set, a gap longer than the
// inter-character timeout aborts the partial frame and the late byte starts
// a new one; otherwise such gaps are only counted.
func NewFrameReader(r io.Reader, timing Timing, strict bool, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	fr := &FrameReader{
		timing: timing,
		strict: strict,
		logger: logger,
		chunks: make(chan chunk, 64),
		stop:   make(chan struct{}),
	}
	go fr.pump(r)
	return fr
}

func (fr *FrameReader) pump(r io.Reader) {
	buf := make([]byte, RTUMaxFrameSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c := chunk{data: clone(buf[:n]), at: time.Now()}
			select {
			case fr.chunks <- c:
			case <-fr.stop:
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				select {
				case <-fr.stop:
					return
				default:
					continue
				}
			}
			select {
			case fr.chunks <- chunk{err: err, at: time.Now()}:
			case <-fr.stop:
			}
			return
		}
	}
}

// errOverrun reports a frame that grew past RTUMaxFrameSize.
var errOverrun = errors.New("modbus: rtu frame overrun")

// ReadFrame blocks until a complete frame has been received, i.e. until the
// line stays silent for the inter-frame timeout after at least one byte.
// A frame longer than RTUMaxFrameSize is discarded and the reader waits for
// the line to go quiet before starting over. A read error discards the
// partial frame and is returned as is.
func (fr *FrameReader) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		frame, err := fr.readFrame(ctx)
		if !errors.Is(err, errOverrun) {
			return frame, err
		}
		if err := fr.Sync(ctx); err != nil {
			return nil, err
		}
	}
}

func (fr *FrameReader) readFrame(ctx context.Context) ([]byte, error) {
	first, err := fr.first(ctx)
	if err != nil {
		return nil, err
	}
	frame := first.data
	last := first.at

	timer := time.NewTimer(fr.timing.interFrame - time.Since(last))
	defer timer.Stop()

	for {
		var c chunk
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c = <-fr.chunks:
		case <-timer.C:
			// a chunk may have arrived in time but still be queued
			select {
			case c = <-fr.chunks:
			default:
				return frame, nil
			}
		}
		if c.err != nil {
			return nil, c.err
		}

		switch fr.timing.classify(c.at.Sub(last)) {
		case gapEndOfFrame:
			fr.pending = &c
			return frame, nil
		case gapLateChar:
			fr.lateChars.Add(1)
			if fr.strict {
				fr.aborted.Add(1)
				fr.logger.Debug("inter-character timeout, frame aborted",
					slog.Duration("gap", c.at.Sub(last)),
					slog.Int("discarded", len(frame)))
				frame = nil
			}
		}
		frame = append(frame, c.data...)
		last = c.at
		if len(frame) > RTUMaxFrameSize {
			fr.overruns.Add(1)
			fr.logger.Debug("frame overrun, waiting for silence", slog.Int("discarded", len(frame)))
			return nil, errOverrun
		}
		resetTimer(timer, fr.timing.interFrame-time.Since(last))
	}
}

func (fr *FrameReader) first(ctx context.Context) (chunk, error) {
	if fr.pending != nil {
		c := *fr.pending
		fr.pending = nil
		return c, nil
	}
	select {
	case <-ctx.Done():
		return chunk{}, ctx.Err()
	case c := <-fr.chunks:
		if c.err != nil {
			return chunk{}, c.err
		}
		return c, nil
	}
}

// Sync waits until the line has been silent for one inter-frame timeout,
// discarding everything received meanwhile. It must be called before the
// first frame is read so that a frame already in progress is not mistaken
// for a new one.
func (fr *FrameReader) Sync(ctx context.Context) error {
	fr.pending = nil
	timer := time.NewTimer(fr.timing.interFrame)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-fr.chunks:
			if c.err != nil {
				return c.err
			}
			resetTimer(timer, fr.timing.interFrame)
		case <-timer.C:
			return nil
		}
	}
}

// LateChars returns how many inter-character timeouts were observed.
func (fr *FrameReader) LateChars() int64 { return fr.lateChars.Value() }

// Aborted returns how many partial frames were discarded in strict mode.
func (fr *FrameReader) Aborted() int64 { return fr.aborted.Value() }

// Overruns returns how many frames were discarded for exceeding
// RTUMaxFrameSize.
func (fr *FrameReader) Overruns() int64 { return fr.overruns.Value() }

// Close stops the background reader. The underlying stream must be closed
// by its owner to unblock a pending read.
func (fr *FrameReader) Close() {
	fr.once.Do(func() { close(fr.stop) })
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
