package main

import (
	"context"
	"testing"
	"time"
)

// masterHarness drives one end of a pipePort pair as if it were the VMC,
// for framer-level tests.
type masterHarness struct {
	t    *testing.T
	port *pipePort
}

func newMasterHarness(t *testing.T, port *pipePort) *masterHarness {
	return &masterHarness{t: t, port: port}
}

// sendFrame writes a full frame (addr/cmd byte, data bytes..., checksum
// byte) with the mode bit set on the first and last byte only.
func (h *masterHarness) sendFrame(frame []byte) {
	if err := h.port.WriteByte(frame[0], true); err != nil {
		h.t.Fatalf("write addr/cmd byte: %v", err)
	}
	for _, b := range frame[1 : len(frame)-1] {
		if err := h.port.WriteByte(b, false); err != nil {
			h.t.Fatalf("write data byte: %v", err)
		}
	}
	if err := h.port.WriteByte(frame[len(frame)-1], true); err != nil {
		h.t.Fatalf("write checksum byte: %v", err)
	}
}

func (h *masterHarness) sendAddrCmd(b byte) {
	if err := h.port.WriteByte(b, true); err != nil {
		h.t.Fatalf("write addr/cmd byte: %v", err)
	}
}

func (h *masterHarness) readByte() (byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, m, err := h.port.ReadByte(ctx, false)
	if err != nil {
		h.t.Fatalf("read byte: %v", err)
	}
	return b, m
}

func buildFrame(addrCmd byte, data ...byte) []byte {
	payload := append([]byte{addrCmd}, data...)
	return append(payload, checksum8(payload))
}

func TestChecksum8(t *testing.T) {
	payload := []byte{0x11, 0x00, 0x01, 0x00, 0x02}
	want := byte(0x11 + 0x00 + 0x01 + 0x00 + 0x02)
	if got := checksum8(payload); got != want {
		t.Fatalf("checksum8 = %#x, want %#x", got, want)
	}
}

func TestVerifyChecksum(t *testing.T) {
	frame := buildFrame(0x12)
	payload, ok := VerifyChecksum(frame)
	if !ok {
		t.Fatalf("expected valid checksum")
	}
	if len(payload) != 1 || payload[0] != 0x12 {
		t.Fatalf("unexpected payload %x", payload)
	}

	bad := append(buildFrame(0x12)[:1], 0x99)
	if _, ok := VerifyChecksum(bad); ok {
		t.Fatalf("expected invalid checksum to be rejected")
	}
}

func TestFramerReadFrame(t *testing.T) {
	a, b := newPipePortPair()
	defer a.Close()
	defer b.Close()

	framer := NewFramer(a)
	master := newMasterHarness(t, b)

	frame := buildFrame(0x11, 0x00, 0x01, 0x00, 0x02)
	go master.sendFrame(frame)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := framer.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("ReadFrame = %x, want %x", got, frame)
	}
}

func TestFramerWriteBlockAndSignals(t *testing.T) {
	a, b := newPipePortPair()
	defer a.Close()
	defer b.Close()

	framer := NewFramer(a)
	master := newMasterHarness(t, b)

	if err := framer.WriteBlock([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	wantSum := checksum8([]byte{0x01, 0x02, 0x03})
	for _, want := range []byte{0x01, 0x02, 0x03} {
		got, mode := master.readByte()
		if got != want || mode {
			t.Fatalf("got byte %#x mode=%v, want %#x mode=false", got, mode, want)
		}
	}
	got, mode := master.readByte()
	if got != wantSum || !mode {
		t.Fatalf("checksum byte = %#x mode=%v, want %#x mode=true", got, mode, wantSum)
	}

	if err := framer.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got, mode = master.readByte()
	if got != mdbACK || !mode {
		t.Fatalf("Ack byte = %#x mode=%v", got, mode)
	}

	if err := framer.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	got, mode = master.readByte()
	if got != mdbNAK || !mode {
		t.Fatalf("Nak byte = %#x mode=%v", got, mode)
	}
}

func TestFramerDiscardsMisAddressedLeadByte(t *testing.T) {
	a, b := newPipePortPair()
	defer a.Close()
	defer b.Close()

	framer := NewFramer(a)
	master := newMasterHarness(t, b)

	// A stray data byte (mode=false) before the real address byte must be
	// discarded, not treated as the start of a frame.
	go func() {
		master.port.WriteByte(0x77, false)
		time.Sleep(5 * time.Millisecond)
		master.sendFrame(buildFrame(0x12))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := framer.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(frame) != 2 || frame[0] != 0x12 {
		t.Fatalf("unexpected frame %x", frame)
	}
}
