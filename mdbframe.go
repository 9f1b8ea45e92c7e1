package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/loggo"
)

var frameLogger = loggo.GetLogger("framer")

// interByteTimeout is the MDB gap that delimits the end of a frame once the
// first byte has arrived. The first byte of a frame has no timeout; the
// framer blocks forever waiting for the next address byte.
const interByteTimeout = 10 * time.Millisecond

// ErrParityMismatch is returned by a NinebitPort when the byte that arrived
// did not carry the mode bit the caller asked for. It is a transient
// framing error: the framer discards the byte and waits for the next
// address byte; it never surfaces further up the stack.
var ErrParityMismatch = errors.New("mdb: parity/mode-bit mismatch")

// NinebitPort is the physical transport for MDB's 9-bit symbols. The 9th
// "mode" bit rides on the UART's parity bit: an address/command byte from
// the master, or a checksum/ACK/NAK/RET byte from either side, carries
// modeBit=true; every other byte carries modeBit=false.
// Implementations decide how that bit is synthesized on the wire (hardware
// mark/space parity, or a soft-UART bit-bang); the Framer only deals in
// (byte, modeBit) pairs.
type NinebitPort interface {
	// ReadByte blocks for the next byte. If wantTimeout is true the read is
	// bounded by interByteTimeout; if false it blocks until ctx is done.
	ReadByte(ctx context.Context, wantTimeout bool) (data byte, modeBit bool, err error)
	WriteByte(data byte, modeBit bool) error
	Close() error
}

// Framer implements the block-checksum framing rules on top of a
// NinebitPort: computing/verifying the sum-mod-256 checksum, and replying
// ACK/NAK/RET as appropriate. It has no notion of command semantics; that is
// the command parser's job.
type Framer struct {
	port NinebitPort
}

func NewFramer(port NinebitPort) *Framer {
	return &Framer{port: port}
}

// checksum8 is the MDB block checksum: the sum modulo 256 of every payload
// byte, address/command byte included.
func checksum8(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}
	return sum
}

// ReadFrame blocks forever for the next address/command byte (the first
// byte has no timeout), then reads the rest of the frame with a
// 10ms-per-byte gap timeout. It returns the full frame (address/command byte
// plus any data bytes plus the trailing checksum byte); the checksum is not
// verified here (see VerifyChecksum).
//
// On a parity/framing error on the address byte, ReadFrame silently retries
// (discard-and-wait) rather than returning an error; it only returns an
// error for a genuinely fatal port failure (ctx cancellation or a closed
// port).
func (f *Framer) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		addr, mode, err := f.port.ReadByte(ctx, false)
		if err != nil {
			if errors.Is(err, ErrParityMismatch) {
				continue
			}
			return nil, err
		}
		if !mode {
			// A data byte with nobody expecting a frame: not an
			// address/command byte. Discard and keep waiting.
			continue
		}

		// Collect the rest of the frame purely by inter-byte timeout: the
		// bus is half-duplex and carries one frame per master turn, so the
		// 10ms gap (not the mode bit of any particular byte) is what marks
		// the frame's end; the final byte collected is the checksum, which
		// happens to also carry mode bit 1.
		frame := []byte{addr}
		for {
			b, _, err := f.port.ReadByte(ctx, true)
			if err != nil {
				if errors.Is(err, ErrParityMismatch) {
					frameLogger.Debugf("discarding frame %x: parity error mid-frame", frame)
					frame = nil
					break
				}
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errReadTimeout) {
					// Inter-byte gap: frame ends here, whatever we have.
					break
				}
				return nil, err
			}
			frame = append(frame, b)
		}
		if frame == nil {
			continue
		}
		if len(frame) < 2 {
			// A bare single address byte with no checksum: malformed,
			// discard per the timeout-mid-frame rule.
			continue
		}
		return frame, nil
	}
}

// errReadTimeout is a sentinel a NinebitPort implementation may return from
// ReadByte (when wantTimeout is true) instead of context.DeadlineExceeded;
// ReadFrame treats both identically.
var errReadTimeout = errors.New("mdb: inter-byte read timeout")

// VerifyChecksum checks a fully received frame (payload..., checksum) and
// returns the payload with the checksum stripped, or false if it mismatches.
func VerifyChecksum(frame []byte) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	payload, recv := frame[:len(frame)-1], frame[len(frame)-1]
	if checksum8(payload) != recv {
		return nil, false
	}
	return payload, true
}

// WriteBlock transmits a response payload followed by its checksum byte.
// Every byte except the last carries modeBit=false; the checksum byte
// carries modeBit=true.
func (f *Framer) WriteBlock(payload []byte) error {
	for _, b := range payload {
		if err := f.port.WriteByte(b, false); err != nil {
			return err
		}
	}
	return f.port.WriteByte(checksum8(payload), true)
}

// WriteSignal transmits a single-byte ACK/NAK/RET signal (always mode bit 1).
func (f *Framer) WriteSignal(sig byte) error {
	return f.port.WriteByte(sig, true)
}

func (f *Framer) Ack() error { return f.WriteSignal(mdbACK) }
func (f *Framer) Nak() error { return f.WriteSignal(mdbNAK) }

func (f *Framer) Close() error { return f.port.Close() }

func (f *Framer) String() string {
	return fmt.Sprintf("Framer(%T)", f.port)
}
